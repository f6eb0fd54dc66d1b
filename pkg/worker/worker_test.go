package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorker_RunsDueTasks(t *testing.T) {
	var count int32
	w := New(Config{PollInterval: 10 * time.Millisecond, ErrorBackoff: time.Second}, nil)
	w.AddTask(Task{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	time.Sleep(80 * time.Millisecond)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if atomic.LoadInt32(&count) < 2 {
		t.Errorf("expected task to run multiple times, ran %d", count)
	}
}

func TestWorker_DoesNotOverlapSlowTask(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	w := New(Config{PollInterval: 5 * time.Millisecond, ErrorBackoff: time.Second}, nil)
	w.AddTask(Task{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&concurrent, 1)
			if n > atomic.LoadInt32(&maxConcurrent) {
				atomic.StoreInt32(&maxConcurrent, n)
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	time.Sleep(120 * time.Millisecond)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	w.Shutdown(shutdownCtx)

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Errorf("expected at most 1 concurrent run of a slow task, saw %d", maxConcurrent)
	}
}

func TestCleanupTempFiles_RemovesOldChSockets(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "ch-123.sock")
	newFile := filepath.Join(dir, "ch-456.sock")
	otherFile := filepath.Join(dir, "other.txt")

	for _, f := range []string{oldFile, newFile, otherFile} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	oldTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldFile, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	removed, err := CleanupTempFiles(dir, time.Hour)
	if err != nil {
		t.Fatalf("CleanupTempFiles failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("expected old ch- file to be removed")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Error("expected new ch- file to remain")
	}
	if _, err := os.Stat(otherFile); err != nil {
		t.Error("expected non-ch- file to remain untouched")
	}
}

func TestCleanupTempFiles_MissingDirIsNotAnError(t *testing.T) {
	removed, err := CleanupTempFiles("/no/such/dir", time.Hour)
	if err != nil {
		t.Fatalf("expected no error for a missing directory, got %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed, got %d", removed)
	}
}
