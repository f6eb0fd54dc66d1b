// Package worker implements the Background Worker: independently-timed
// periodic tasks, registered with AddTask, driven by a single poll loop,
// with tracked in-flight jobs so a slow task is never started twice
// concurrently.
//
// Grounded on original_source/src/utils/worker.py for the loop/backoff
// structure, and on the teacher's pkg/vm/pool.go replenish-ticker pattern
// for the idiomatic Go expression of a periodic background task.
package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one periodic job the worker drives. Name must be stable across
// calls; it keys the in-flight tracking map and the last-run timestamps.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config bounds the worker's poll cadence and loop-level error backoff.
type Config struct {
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
}

// DefaultConfig mirrors the source's 5s poll / 10s backoff.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, ErrorBackoff: 10 * time.Second}
}

// Worker runs Tasks on their own cadence from a single poll loop.
type Worker struct {
	mu sync.Mutex

	config Config
	tasks  []Task
	log    *logrus.Entry

	lastRun  map[string]time.Time
	inFlight map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Worker. Call AddTask for each periodic job before Start.
func New(config Config, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Worker{
		config:   config,
		log:      log.WithField("component", "background_worker"),
		lastRun:  make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
}

// AddTask registers a periodic job. Must be called before Start.
func (w *Worker) AddTask(t Task) {
	w.tasks = append(w.tasks, t)
}

// Start begins the poll loop in a goroutine. Call Shutdown to stop it.
func (w *Worker) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.loop(ctx)

	w.log.WithField("tasks", len(w.tasks)).Info("background worker started")
}

// Shutdown signals the poll loop to stop and waits for it to exit.
func (w *Worker) Shutdown(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.log.Info("background worker stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.log.WithError(err).Error("worker loop error, backing off")
				select {
				case <-time.After(w.config.ErrorBackoff):
				case <-w.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// tick runs every due task that is not already in flight.
func (w *Worker) tick(ctx context.Context) error {
	now := time.Now()

	for _, task := range w.tasks {
		w.mu.Lock()
		due := now.Sub(w.lastRun[task.Name]) >= task.Interval
		busy := w.inFlight[task.Name]
		if due && !busy {
			w.inFlight[task.Name] = true
			w.lastRun[task.Name] = now
		}
		w.mu.Unlock()

		if !due || busy {
			continue
		}

		go w.runTask(ctx, task)
	}
	return nil
}

func (w *Worker) runTask(ctx context.Context, task Task) {
	defer func() {
		w.mu.Lock()
		w.inFlight[task.Name] = false
		w.mu.Unlock()
	}()

	if err := task.Run(ctx); err != nil {
		w.log.WithError(err).WithField("task", task.Name).Error("task failed")
	}
}

// CleanupTempFiles removes stale Cloud Hypervisor control sockets left
// behind by crashed VMs, matching the source's _cleanup_temp_files: any
// "ch-*" file under dir older than maxAge is removed.
func CleanupTempFiles(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "ch-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
