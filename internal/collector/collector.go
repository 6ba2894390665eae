// Package collector contains the independent pollers that observe host
// signal sources and emit events through a shared sink. All collectors run
// under the same Runner so scheduling, cancellation and error isolation
// behave identically across them.
package collector

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/metrics"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

// Sink receives every event a collector produces. The orchestrator owns
// the single sink implementation; it must not block.
type Sink func(ev models.Event)

// Collector observes one host signal source. Implementations must treat
// missing or malformed sources as a skipped tick, not a failure of the
// collector itself.
type Collector interface {
	Name() string
	Collect(ctx context.Context) error
	Close() error
}

// Runner drives one collector on a ticker with cooperative cancellation.
// A panicking or failing tick is logged and counted; the next tick runs
// regardless.
type Runner struct {
	c   Collector
	log *logging.Logger

	mu       sync.Mutex
	interval time.Duration
	started  bool

	kick     chan struct{}
	reset    chan time.Duration
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewRunner(c Collector, interval time.Duration, log *logging.Logger) *Runner {
	return &Runner{
		c:        c,
		log:      log.Component(c.Name()),
		interval: interval,
		kick:     make(chan struct{}, 1),
		reset:    make(chan time.Duration, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. The first tick is delayed by a random
// fraction of the interval so collectors don't stampede at startup.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.loop(ctx)
}

// Started reports whether Start has been called.
func (r *Runner) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Kick requests an immediate tick (e.g. a file-change notification fired
// between polls). Coalesced if one is already queued.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// SetInterval adjusts the poll interval after a remote config change.
func (r *Runner) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case r.reset <- d:
	default:
	}
}

// Stop signals the loop to exit and waits for any in-flight tick, bounded
// by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	if !started {
		return r.c.Close()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", r.c.Name(), ctx.Err())
	}
	return r.c.Close()
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	r.mu.Lock()
	interval := r.interval
	r.mu.Unlock()

	// stagger start so collectors don't stampede together
	stagger := interval / 4
	if stagger > time.Second {
		stagger = time.Second
	}
	select {
	case <-time.After(time.Duration(rand.Int63n(int64(stagger) + 1))):
	case <-r.stop:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-r.kick:
			r.tick(ctx)
		case d := <-r.reset:
			r.mu.Lock()
			r.interval = d
			r.mu.Unlock()
			ticker.Reset(d)
			r.log.Debug("poll interval updated", "interval", d)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CollectorErrors.WithLabelValues(r.c.Name()).Inc()
			r.log.Error("collector tick panicked", "panic", rec)
		}
	}()
	if err := r.c.Collect(ctx); err != nil {
		metrics.CollectorErrors.WithLabelValues(r.c.Name()).Inc()
		r.log.Warn("collector tick failed", "error", err)
	}
}

// WatchFiles wires filesystem write notifications to a kick function so a
// log tail runner reacts between polls. Best effort: if the watcher can't
// be created the caller just polls.
func WatchFiles(paths []string, kick func(), log *logging.Logger) (io.Closer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			log.Debug("watch failed, relying on polling", "path", p, "error", err)
		}
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					kick()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Debug("watcher error", "error", err)
			}
		}
	}()
	return w, nil
}
