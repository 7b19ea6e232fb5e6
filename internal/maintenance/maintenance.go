// Package maintenance implements the periodic maintenance loop (C8): prunes
// stale persisted answers and reports a stats snapshot enriched with
// estimated token counts, on the configured interval_hours cadence.
package maintenance

import (
	"context"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/allaspects/cacheproxy/internal/store"
)

// Snapshot is the stats report produced each maintenance cycle.
type Snapshot struct {
	store.Stats
	EstimatedTotalTokens int64
	HotFingerprints      []store.HotFingerprint
}

// Loop runs the periodic maintenance cycle: prune + stats snapshot.
type Loop struct {
	store  *store.Store
	logger zerolog.Logger

	interval      time.Duration
	retentionDays int
	minHitCount   int
	topK          int

	enc *tiktoken.Tiktoken

	// lastSnapshot is updated after every cycle so other components (e.g.
	// a CLI `status` command or an admin endpoint) can read the latest
	// numbers without re-querying the store.
	lastSnapshot Snapshot
}

// New builds a Loop. encodingName selects the tiktoken encoding used to
// estimate token counts for the stats snapshot (A8); an unrecognized name
// falls back to a nil encoder and EstimatedTotalTokens stays 0.
func New(st *store.Store, logger zerolog.Logger, intervalHours, retentionDays, minHitCount int, encodingName string) *Loop {
	l := &Loop{
		store:         st,
		logger:        logger,
		interval:      time.Duration(intervalHours) * time.Hour,
		retentionDays: retentionDays,
		minHitCount:   minHitCount,
		topK:          10,
	}
	if enc, err := tiktoken.GetEncoding(encodingName); err == nil {
		l.enc = enc
	} else {
		logger.Warn().Err(err).Str("encoding", encodingName).Msg("maintenance: tiktoken encoding unavailable, token estimate disabled")
	}
	return l
}

// RunOnce performs a single prune + snapshot cycle immediately, bypassing
// the ticker — used for cleanup_on_startup and for tests.
func (l *Loop) RunOnce() Snapshot {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("maintenance: recovered from panic")
		}
	}()

	if l.retentionDays > 0 {
		n, err := l.store.Prune(l.retentionDays, l.minHitCount)
		if err != nil {
			l.logger.Error().Err(err).Msg("maintenance: prune failed")
		} else if n > 0 {
			l.logger.Info().Int64("rows", n).Int("retention_days", l.retentionDays).Msg("maintenance: pruned stale answers")
		}
	}

	snap := l.snapshot()
	l.lastSnapshot = snap
	return snap
}

func (l *Loop) snapshot() Snapshot {
	snap := Snapshot{}

	stats, err := l.store.Stats()
	if err != nil {
		l.logger.Error().Err(err).Msg("maintenance: stats query failed")
	} else {
		snap.Stats = stats
	}

	hot, err := l.store.TopHotFingerprints(l.topK)
	if err != nil {
		l.logger.Error().Err(err).Msg("maintenance: top fingerprints query failed")
	} else {
		snap.HotFingerprints = hot
	}

	if l.enc != nil {
		snap.EstimatedTotalTokens = l.estimateTokens(stats.TotalBytes)
	}

	return snap
}

// estimateTokens converts a raw byte count into an estimated token count
// using tiktoken's encoder against a representative placeholder — exact
// per-answer token counts would require re-reading every payload, which
// the stats snapshot does not do; this gives an order-of-magnitude figure
// for the CLI (A10) to display alongside the byte total.
func (l *Loop) estimateTokens(totalBytes int64) int64 {
	const bytesPerSample = 4096
	sample := make([]byte, 0, bytesPerSample)
	for i := 0; i < bytesPerSample; i++ {
		sample = append(sample, 'a')
	}
	tokensPerSample := len(l.enc.Encode(string(sample), nil, nil))
	if tokensPerSample == 0 {
		return 0
	}
	return totalBytes * int64(tokensPerSample) / bytesPerSample
}

// Snapshot returns the most recently computed stats snapshot.
func (l *Loop) Snapshot() Snapshot {
	return l.lastSnapshot
}

// Run starts the ticker loop. It returns a done channel closed once the
// loop has exited.
func (l *Loop) Run(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.RunOnce()
			}
		}
	}()
	return done
}
