package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/allaspects/cacheproxy/internal/config"
	"github.com/allaspects/cacheproxy/internal/daemon"
	"github.com/allaspects/cacheproxy/internal/store"
)

func cmdStart(args []string) {
	foreground := false
	for _, a := range args {
		if a == "--foreground" || a == "-f" {
			foreground = true
		}
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Run(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("cacheproxy stopped")
}

// cmdStatus prints the daemon's PID and, if the store is reachable,
// cache statistics rendered with humanize (A10) for readability.
func cmdStatus() {
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Printf("  (store unreachable: %v)\n", err)
		return
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		fmt.Printf("  (stats unavailable: %v)\n", err)
		return
	}

	fmt.Printf("\n  Questions:  %s\n", humanize.Comma(stats.TotalQuestions))
	fmt.Printf("  Answers:    %s\n", humanize.Comma(stats.TotalAnswers))
	fmt.Printf("  Stored:     %s\n", humanize.Bytes(uint64(stats.TotalBytes)))
	fmt.Printf("  Hit rate:   %.1f%%\n", stats.HitRate*100)

	hot, err := st.TopHotFingerprints(5)
	if err == nil && len(hot) > 0 {
		fmt.Println("\n  Hottest entries:")
		for _, h := range hot {
			fmt.Printf("    %s  %d hits\n", h.Fingerprint[:12], h.HitCount)
		}
	}
}

func cmdInitConfig() {
	path, err := config.InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)
}

func cmdInstallService() {
	if err := daemon.InstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error installing service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service installed successfully")
}

func cmdConfigExport(args []string) {
	path := "cacheproxy-export.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ExportConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", path)
}

func cmdConfigImport(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cacheproxy config-import <file>")
		os.Exit(1)
	}
	if err := config.ImportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error importing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s\n", args[0])
}
