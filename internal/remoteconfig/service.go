// Package remoteconfig fetches, caches and refreshes the remote behavior
// snapshot. Fallback chain: live fetch, then last cached snapshot, then
// the hard-coded default. Snapshots are immutable and swapped atomically;
// subscribers get version numbers, never pointers into mutable state.
package remoteconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/metrics"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

// Fetcher is the slice of the ingest client the service needs.
type Fetcher interface {
	FetchConfig(ctx context.Context) (*models.RemoteConfig, error)
}

type Service struct {
	fetcher   Fetcher
	cachePath string
	log       *logging.Logger

	mu      sync.RWMutex
	current *models.RemoteConfig
	subs    []chan int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func New(fetcher Fetcher, cachePath string, log *logging.Logger) *Service {
	return &Service{
		fetcher:   fetcher,
		cachePath: cachePath,
		log:       log.Component("remoteconfig"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Load establishes the initial snapshot. It never fails: fetch errors fall
// back to the cache, cache errors fall back to the built-in default.
func (s *Service) Load(ctx context.Context) *models.RemoteConfig {
	cfg, err := s.fetcher.FetchConfig(ctx)
	if err == nil {
		s.cache(cfg)
		s.swap(cfg)
		metrics.ConfigRefreshes.WithLabelValues("applied").Inc()
		return cfg
	}
	s.log.Warn("config fetch failed, trying cache", "error", err)
	metrics.ConfigRefreshes.WithLabelValues("failed").Inc()

	if cached, cerr := s.readCache(); cerr == nil {
		s.log.Info("using cached config snapshot", "version", cached.Version)
		s.swap(cached)
		return cached
	} else if !os.IsNotExist(cerr) {
		s.log.Warn("config cache unreadable", "error", cerr)
	}

	def := models.DefaultRemoteConfig()
	s.log.Info("no cached config, using built-in defaults")
	s.swap(def)
	return def
}

// Current returns the active snapshot. Callers read the snapshot once at
// the start of a tick and never hold it across config changes.
func (s *Service) Current() *models.RemoteConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe returns a channel carrying the version of each newly applied
// snapshot. Notifications are best effort: a slow subscriber misses
// intermediate versions, never blocks the refresh loop.
func (s *Service) Subscribe() <-chan int {
	ch := make(chan int, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Start launches the periodic refresh loop.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.refresh(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started {
		<-s.done
	}
}

// refresh fetches and applies a new snapshot if the version changed.
// Errors never escape the refresh path.
func (s *Service) refresh(ctx context.Context) {
	cfg, err := s.fetcher.FetchConfig(ctx)
	if err != nil {
		s.log.Warn("config refresh failed, keeping current snapshot", "error", err)
		metrics.ConfigRefreshes.WithLabelValues("failed").Inc()
		return
	}
	cur := s.Current()
	if cur != nil && cfg.Version == cur.Version {
		metrics.ConfigRefreshes.WithLabelValues("unchanged").Inc()
		return
	}

	s.cache(cfg)
	s.swap(cfg)
	metrics.ConfigRefreshes.WithLabelValues("applied").Inc()
	s.log.Info("applied new config snapshot", "version", cfg.Version)

	s.mu.RLock()
	for _, ch := range s.subs {
		select {
		case ch <- cfg.Version:
		default:
		}
	}
	s.mu.RUnlock()
}

func (s *Service) swap(cfg *models.RemoteConfig) {
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
}

func (s *Service) cache(cfg *models.RemoteConfig) {
	data, err := json.Marshal(cfg)
	if err != nil {
		s.log.Warn("config cache marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o755); err != nil {
		s.log.Warn("config cache write failed", "error", err)
		return
	}
	if err := os.WriteFile(s.cachePath, data, 0o644); err != nil {
		s.log.Warn("config cache write failed", "error", err)
	}
}

func (s *Service) readCache() (*models.RemoteConfig, error) {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil, err
	}
	var cfg models.RemoteConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cached config: %w", err)
	}
	return &cfg, nil
}
