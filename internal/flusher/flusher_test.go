package flusher

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspects/cacheproxy/internal/memcache"
	"github.com/allaspects/cacheproxy/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// TestIdleFlush_DrainsAllWithinWindow: idle_timeout_seconds=1,
// check_interval_seconds=1, batch_write_size=2. Insert 5 answers then stop
// issuing requests. Within 2 seconds the persistent store contains all 5;
// memory cache has zero dirty entries.
func TestIdleFlush_DrainsAllWithinWindow(t *testing.T) {
	st := openTestStore(t)
	cache := memcache.New(64)

	f := New(cache, st, zerolog.Nop(), time.Second, time.Second, 2, 0, false)

	for i := 0; i < 5; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		cache.Put(fp, memcache.Entry{
			Fingerprint:    fp,
			RequestPayload: []byte(`{"model":"m"}`),
			Version:        0,
			AnswerPayload:  []byte(fmt.Sprintf("answer-%d", i)),
		}, true)
		f.Touch()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cache.DirtyCount() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := cache.DirtyCount(); got != 0 {
		t.Fatalf("DirtyCount after idle window: got %d, want 0", got)
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalQuestions != 5 {
		t.Fatalf("TotalQuestions: got %d, want 5", stats.TotalQuestions)
	}
	if stats.TotalAnswers != 5 {
		t.Fatalf("TotalAnswers: got %d, want 5", stats.TotalAnswers)
	}
}

func TestMaybeFlush_DoesNothingBeforeIdleTimeout(t *testing.T) {
	st := openTestStore(t)
	cache := memcache.New(64)
	f := New(cache, st, zerolog.Nop(), time.Hour, time.Hour, 10, 0, false)

	cache.Put("fp", memcache.Entry{AnswerPayload: []byte("x")}, true)
	f.Touch()
	f.maybeFlush()

	if cache.DirtyCount() != 1 {
		t.Fatalf("expected dirty entry untouched before idle timeout")
	}
}

func TestRun_FlushesAllOnContextCancel(t *testing.T) {
	st := openTestStore(t)
	cache := memcache.New(64)
	f := New(cache, st, zerolog.Nop(), time.Hour, time.Hour, 10, 0, false)

	for i := 0; i < 3; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		cache.Put(fp, memcache.Entry{
			Fingerprint:    fp,
			RequestPayload: []byte(`{}`),
			AnswerPayload:  []byte(fmt.Sprintf("a-%d", i)),
		}, true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := f.Run(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not shut down cleanly")
	}

	if cache.DirtyCount() != 0 {
		t.Fatalf("expected full flush on shutdown, dirty count: %d", cache.DirtyCount())
	}
	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalQuestions != 3 {
		t.Fatalf("TotalQuestions: got %d, want 3", stats.TotalQuestions)
	}
}
