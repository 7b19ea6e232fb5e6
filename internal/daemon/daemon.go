package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspects/cacheproxy/internal/config"
	"github.com/allaspects/cacheproxy/internal/dispatch"
	"github.com/allaspects/cacheproxy/internal/flusher"
	"github.com/allaspects/cacheproxy/internal/httpapi"
	"github.com/allaspects/cacheproxy/internal/maintenance"
	"github.com/allaspects/cacheproxy/internal/memcache"
	"github.com/allaspects/cacheproxy/internal/selector"
	"github.com/allaspects/cacheproxy/internal/store"
	"github.com/allaspects/cacheproxy/internal/tracing"
	"github.com/allaspects/cacheproxy/internal/upstream"
	"github.com/allaspects/cacheproxy/internal/vault"
	"github.com/allaspects/cacheproxy/internal/version"
)

// Run is the main daemon orchestrator. It initializes every subsystem —
// store, memory cache, idle flusher, upstream selector, dispatch engine,
// maintenance loop, and the HTTP server — then blocks until a shutdown
// signal is received.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	zerolog.SetGlobalLevel(logLevel)

	var writers []io.Writer
	logPath := filepath.Join(dataDir, "cacheproxy.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "cacheproxy").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("cacheproxy starting")

	if IsRunning(dataDir) {
		return fmt.Errorf("cacheproxy is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	dbPath := cfg.DatabaseURL
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	log.Info().Str("db_path", dbPath).Msg("store opened")

	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()
	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(), "cacheproxy", version.Version, cfg.Tracing.Exporter, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize tracing; continuing without spans")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown error")
				}
			}()
			log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialized")
		}
	}

	configFile := config.ConfigFilePath()
	var watcher *config.Watcher
	if configFile != "" {
		if _, statErr := os.Stat(configFile); statErr == nil {
			w, watchErr := config.Watch(configFile)
			if watchErr != nil {
				log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
			} else {
				watcher = w
				defer watcher.Close()
				watcher.OnChange(func(old, newCfg *config.Config) {
					log.Info().Msg("configuration reloaded")
					zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
				})
				log.Info().Str("file", configFile).Msg("config watcher started")
			}
		}
	}

	// Core collaborators: memory cache (C3), idle flusher (C4), upstream
	// selector (C5), credential vault (A6), and the outbound HTTP/curl
	// client (A4).
	cache := memcache.New(cfg.Cache.MaxItems)

	var fl *flusher.Flusher
	var flusherDone <-chan struct{}
	flushCtx, flushCancel := context.WithCancel(context.Background())
	defer flushCancel()
	if cfg.IdleFlush.Enabled {
		fl = flusher.New(
			cache, st, log.Logger,
			time.Duration(cfg.IdleFlush.CheckIntervalSeconds)*time.Second,
			time.Duration(cfg.IdleFlush.IdleTimeoutSeconds)*time.Second,
			cfg.Cache.BatchWriteSize,
			cfg.Compression.ThresholdBytes,
			cfg.CacheOverrideMode,
		)
		flusherDone = fl.Run(flushCtx)
		log.Info().Msg("idle flusher started")
	}

	sel := selector.New(cfg.APIEndpoints)
	vlt := vault.New()
	client := upstream.New(cfg.UseCurl, cfg.UseProxy, "")

	engine := dispatch.New(cache, st, sel, client, fl, vlt, log.Logger, cfg)

	// Periodic maintenance loop (C8): prune + stats snapshot.
	var maintDone <-chan struct{}
	maintCtx, maintCancel := context.WithCancel(context.Background())
	defer maintCancel()
	var maint *maintenance.Loop
	if cfg.CacheMaintenance.Enabled {
		maint = maintenance.New(st, log.Logger, cfg.CacheMaintenance.IntervalHours, cfg.CacheMaintenance.RetentionDays, cfg.CacheMaintenance.MinHitCount, "cl100k_base")
		if cfg.CacheMaintenance.CleanupOnStartup {
			maint.RunOnce()
		}
		maintDone = maint.Run(maintCtx)
		log.Info().Msg("maintenance loop started")
	}

	// HTTP transport (A3).
	handlers := httpapi.NewHandlers(engine, cfg.APIEndpoints, log.Logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	srv := httpapi.New(
		handlers, addr,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
		time.Duration(cfg.Server.IdleTimeout)*time.Second,
		cfg.Server.MaxBodyBytes,
		log.Logger,
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("cache proxy listening")
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if foreground {
		fmt.Printf("\n  cacheproxy is running!\n")
		fmt.Printf("  Listening: http://%s\n\n", addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	maintCancel()
	if maintDone != nil {
		<-maintDone
	}

	flushCancel()
	if flusherDone != nil {
		<-flusherDone
	}
	if fl != nil {
		fl.Wait()
	}

	st.Close()
	if err := RemovePID(dataDir); err != nil {
		log.Error().Err(err).Msg("failed to remove PID file during shutdown")
	}

	log.Info().Msg("cacheproxy stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := config.Get().Server.DataDir

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("cacheproxy does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("cacheproxy is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to cacheproxy (PID %d)\n", pid)

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return nil
}

// Status checks if the daemon is running and prints a PID summary. Full
// cache statistics are available via the status CLI subcommand reading
// the store directly (A10), since the daemon does not expose a stats API.
func Status() error {
	cfg := config.Get()
	dataDir := cfg.Server.DataDir

	if !IsRunning(dataDir) {
		fmt.Println("cacheproxy is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("cacheproxy is running (PID %d)\n", pid)
	return nil
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
