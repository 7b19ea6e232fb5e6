// Package flusher implements the idle flusher (C4): a background task that
// batches memcache.Cache's dirty entries into the persistent store once the
// cache has been quiet for a configured idle window.
package flusher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspects/cacheproxy/internal/memcache"
	"github.com/allaspects/cacheproxy/internal/store"
)

// Flusher periodically drains dirty memcache entries into the store once
// the cache has been idle for IdleTimeout.
type Flusher struct {
	cache     *memcache.Cache
	store     *store.Store
	logger    zerolog.Logger

	checkInterval  time.Duration
	idleTimeout    time.Duration
	batchWriteSize int

	compressionThreshold int
	overrideMode         bool

	lastWrite atomic.Int64 // unix nanos

	wg sync.WaitGroup
}

// New creates a Flusher. Call Touch whenever a write lands in the cache,
// and Run to start the background loop.
func New(cache *memcache.Cache, st *store.Store, logger zerolog.Logger, checkInterval, idleTimeout time.Duration, batchWriteSize, compressionThreshold int, overrideMode bool) *Flusher {
	f := &Flusher{
		cache:                cache,
		store:                st,
		logger:               logger,
		checkInterval:        checkInterval,
		idleTimeout:          idleTimeout,
		batchWriteSize:       batchWriteSize,
		compressionThreshold: compressionThreshold,
		overrideMode:         overrideMode,
	}
	f.lastWrite.Store(time.Now().UnixNano())
	return f
}

// Touch records that a write just happened, resetting the idle clock.
func (f *Flusher) Touch() {
	f.lastWrite.Store(time.Now().UnixNano())
}

// Run starts the background ticker loop. It returns a done channel that is
// closed once the loop has exited and performed its final flush, so callers
// can wait for clean shutdown knowing every dirty entry has been persisted.
func (f *Flusher) Run(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error().Interface("panic", r).Msg("idle flusher: recovered from panic")
			}
		}()

		ticker := time.NewTicker(f.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				f.flushAll()
				return
			case <-ticker.C:
				f.maybeFlush()
			}
		}
	}()
	return done
}

// maybeFlush checks whether the cache has been idle long enough and, if
// so, drains dirty entries in batches until none remain.
func (f *Flusher) maybeFlush() {
	lastWrite := time.Unix(0, f.lastWrite.Load())
	if time.Since(lastWrite) < f.idleTimeout {
		return
	}
	if f.cache.DirtyCount() == 0 {
		return
	}
	n := f.drainBatches()
	if n > 0 {
		f.logger.Debug().Int("entries", n).Msg("idle flusher: flushed dirty entries")
	}
}

// flushAll drains every dirty entry regardless of idle state, used on
// shutdown.
func (f *Flusher) flushAll() {
	n := f.drainBatches()
	if n > 0 {
		f.logger.Info().Int("entries", n).Msg("idle flusher: final flush before shutdown")
	}
}

// drainBatches repeatedly drains up to batchWriteSize dirty entries and
// writes each batch in one transaction, until the cache has no dirty
// entries left. Returns the total number of entries flushed.
func (f *Flusher) drainBatches() int {
	total := 0
	for {
		batch := f.cache.DrainDirty(f.batchWriteSize)
		if len(batch) == 0 {
			return total
		}

		items := make([]store.InsertItem, len(batch))
		for i, e := range batch {
			items[i] = store.InsertItem{
				Fingerprint:    e.Fingerprint,
				RequestPayload: e.RequestPayload,
				Version:        e.Version,
				AnswerPayload:  e.AnswerPayload,
			}
		}

		now := time.Now().UTC().Format(time.RFC3339)
		if err := f.store.InsertMany(items, f.compressionThreshold, f.overrideMode, now); err != nil {
			f.logger.Error().Err(err).Int("batch_size", len(items)).Msg("idle flusher: batch insert failed")
			// Re-queue as dirty so a future cycle retries the write.
			for _, e := range batch {
				f.cache.Put(e.Fingerprint, e, true)
			}
			return total
		}
		total += len(batch)
	}
}

// Wait blocks until the background loop has fully exited.
func (f *Flusher) Wait() {
	f.wg.Wait()
}
