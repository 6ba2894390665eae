// Package uploader drains the spool in batches and delivers them to the
// backend. Delivery is at-least-once: entries are acknowledged (removed)
// only after a positive response, and a failed cycle leaves everything
// pending for the next one. Within a cycle, retryable failures back off
// exponentially with jitter up to a bounded attempt count.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/provsight-systems/provsight-agent/internal/ingestclient"
	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/metrics"
	"github.com/provsight-systems/provsight-agent/internal/models"
	"github.com/provsight-systems/provsight-agent/internal/spool"
)

// Sender is the slice of the ingest client the uploader needs.
type Sender interface {
	IngestBatch(ctx context.Context, batchID string, events []models.Event) (*ingestclient.BatchResponse, error)
}

// Queue is the slice of the spool the uploader needs.
type Queue interface {
	DequeueBatch(max int) []spool.Entry
	Ack(ids []string)
	MarkAttempt(ids []string)
}

type Manager struct {
	queue  Queue
	sender Sender
	// snapshot returns the current remote config; read once per cycle.
	snapshot func() *models.RemoteConfig
	log      *logging.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex

	// test seams
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func New(queue Queue, sender Sender, snapshot func() *models.RemoteConfig, log *logging.Logger) *Manager {
	return &Manager{
		queue:          queue,
		sender:         sender,
		snapshot:       snapshot,
		log:            log.Component("uploader"),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Start launches the periodic upload loop. The interval follows the
// remote config snapshot, re-read after every cycle.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		for {
			interval := m.snapshot().UploadInterval
			if interval <= 0 {
				interval = 30 * time.Second
			}
			select {
			case <-time.After(interval):
				if err := m.RunCycle(ctx); err != nil {
					m.log.Warn("upload cycle abandoned, data remains spooled", "error", err)
				}
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the upload loop, waiting for an in-flight cycle.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// RunCycle performs one drain-and-send pass. On success the delivered
// entries are acknowledged; on failure nothing is acknowledged and the
// error describes why the cycle was abandoned.
func (m *Manager) RunCycle(ctx context.Context) error {
	cfg := m.snapshot()
	batch := m.queue.DequeueBatch(cfg.MaxBatchSize)
	if len(batch) == 0 {
		return nil
	}

	events := make([]models.Event, len(batch))
	ids := make([]string, len(batch))
	for i, e := range batch {
		events[i] = e.Event
		ids[i] = e.Event.ID
	}
	batchID := uuid.NewString()

	policy := backoff.WithContext(backoff.WithMaxRetries(m.newBackoff(), uint64(maxRetries(cfg))), ctx)
	attempt := 0
	op := func() error {
		if attempt > 0 {
			metrics.UploadRetries.Inc()
		}
		attempt++
		resp, err := m.sender.IngestBatch(ctx, batchID, events)
		if err != nil {
			if !ingestclient.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		// Ack exactly what the backend reported accepted; a backend that
		// omits the list accepted the whole batch.
		if len(resp.AcceptedIDs) > 0 {
			m.queue.Ack(resp.AcceptedIDs)
		} else {
			m.queue.Ack(ids)
		}
		return nil
	}

	err := backoff.Retry(op, policy)
	if err == nil {
		metrics.UploadBatches.WithLabelValues("delivered").Inc()
		m.log.Debug("batch delivered", "batch_id", batchID, "events", len(events))
		return nil
	}

	m.queue.MarkAttempt(ids)
	if errors.Is(err, ingestclient.ErrAuthRejected) {
		metrics.UploadBatches.WithLabelValues("auth_rejected").Inc()
		m.log.Error("backend rejected device credential; data preserved locally", "error", err)
		return err
	}
	metrics.UploadBatches.WithLabelValues("failed").Inc()
	return fmt.Errorf("deliver batch %s: %w", batchID, err)
}

// FinalFlush runs one last bounded cycle during shutdown. Failure is
// acceptable: the spool keeps the data for the next start.
func (m *Manager) FinalFlush(ctx context.Context) {
	if err := m.RunCycle(ctx); err != nil {
		m.log.Warn("final flush incomplete, events remain spooled", "error", err)
	}
}

func (m *Manager) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialBackoff
	b.MaxInterval = m.maxBackoff
	b.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return b
}

func maxRetries(cfg *models.RemoteConfig) int {
	if cfg.MaxUploadRetry > 0 {
		return cfg.MaxUploadRetry
	}
	return 3
}
