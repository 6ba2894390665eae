package uploader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provsight-systems/provsight-agent/internal/ingestclient"
	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/models"
	"github.com/provsight-systems/provsight-agent/internal/spool"
)

// memQueue is an in-memory Queue for exercising the manager without disk.
type memQueue struct {
	entries []spool.Entry
}

func (q *memQueue) add(id string, seq uint64) {
	q.entries = append(q.entries, spool.Entry{Event: models.Event{
		ID: id, Sequence: seq, Type: models.TypeLogEntry, Source: "test",
	}})
}

func (q *memQueue) DequeueBatch(max int) []spool.Entry {
	if max > len(q.entries) {
		max = len(q.entries)
	}
	out := make([]spool.Entry, max)
	copy(out, q.entries[:max])
	return out
}

func (q *memQueue) Ack(ids []string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := drop[e.Event.ID]; !ok {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

func (q *memQueue) MarkAttempt(ids []string) {
	mark := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		mark[id] = struct{}{}
	}
	for i := range q.entries {
		if _, ok := mark[q.entries[i].Event.ID]; ok {
			q.entries[i].Attempts++
		}
	}
}

// fakeSender scripts per-call outcomes and records delivered batches.
type fakeSender struct {
	errs    []error // consumed one per call; nil means success
	batches [][]models.Event
}

func (f *fakeSender) IngestBatch(ctx context.Context, batchID string, events []models.Event) (*ingestclient.BatchResponse, error) {
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	f.batches = append(f.batches, events)
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return &ingestclient.BatchResponse{AcceptedIDs: ids}, nil
}

func testConfig() *models.RemoteConfig {
	cfg := models.DefaultRemoteConfig()
	cfg.MaxBatchSize = 100
	cfg.MaxUploadRetry = 5
	return cfg
}

func newTestManager(q Queue, s Sender) *Manager {
	m := New(q, s, func() *models.RemoteConfig { return testConfig() }, logging.Discard())
	m.initialBackoff = time.Millisecond
	m.maxBackoff = 5 * time.Millisecond
	return m
}

func TestCycleDeliversAndAcks(t *testing.T) {
	q := &memQueue{}
	q.add("ev-1", 1)
	q.add("ev-2", 2)
	sender := &fakeSender{}
	m := newTestManager(q, sender)

	require.NoError(t, m.RunCycle(context.Background()))
	assert.Empty(t, q.entries)
	require.Len(t, sender.batches, 1)
	assert.Len(t, sender.batches[0], 2)
}

func TestEmptySpoolIsNoOp(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(&memQueue{}, sender)
	require.NoError(t, m.RunCycle(context.Background()))
	assert.Empty(t, sender.batches)
}

func TestOutageThenRecoveryPreservesOrder(t *testing.T) {
	q := &memQueue{}
	sender := &fakeSender{}
	m := newTestManager(q, sender)

	// Three failed cycles while events accumulate.
	for cycle := 1; cycle <= 3; cycle++ {
		q.add(fmt.Sprintf("ev-%d", cycle), uint64(cycle))
		sender.errs = []error{
			&ingestclient.StatusError{Code: 503},
			&ingestclient.StatusError{Code: 503},
			&ingestclient.StatusError{Code: 503},
			&ingestclient.StatusError{Code: 503},
			&ingestclient.StatusError{Code: 503},
			&ingestclient.StatusError{Code: 503},
		}
		assert.Error(t, m.RunCycle(context.Background()))
		assert.Len(t, q.entries, cycle, "failed cycles must not lose data")
	}

	// Network recovers: everything from the outage arrives in order.
	sender.errs = nil
	require.NoError(t, m.RunCycle(context.Background()))
	require.Len(t, sender.batches, 1)
	got := sender.batches[0]
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("ev-%d", i+1), ev.ID)
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Empty(t, q.entries)
}

func TestRetryableFailureRetriesWithinCycle(t *testing.T) {
	q := &memQueue{}
	q.add("ev-1", 1)
	sender := &fakeSender{errs: []error{
		&ingestclient.StatusError{Code: 500},
		&ingestclient.StatusError{Code: 502},
		nil,
	}}
	m := newTestManager(q, sender)

	require.NoError(t, m.RunCycle(context.Background()))
	assert.Empty(t, q.entries)
	require.Len(t, sender.batches, 1)
}

func TestAuthRejectionDoesNotRetry(t *testing.T) {
	q := &memQueue{}
	q.add("ev-1", 1)
	sender := &fakeSender{errs: []error{
		fmt.Errorf("%w (status 401)", ingestclient.ErrAuthRejected),
		nil, // would succeed if (incorrectly) retried
	}}
	m := newTestManager(q, sender)

	err := m.RunCycle(context.Background())
	require.ErrorIs(t, err, ingestclient.ErrAuthRejected)
	assert.Empty(t, sender.batches, "auth rejection must not be retried within the cycle")
	require.Len(t, q.entries, 1, "spooled data is preserved")
	assert.Equal(t, 1, q.entries[0].Attempts)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	q := &memQueue{}
	q.add("ev-1", 1)
	sender := &fakeSender{errs: []error{
		&ingestclient.StatusError{Code: 400},
		nil,
	}}
	m := newTestManager(q, sender)

	require.Error(t, m.RunCycle(context.Background()))
	assert.Empty(t, sender.batches)
	assert.Len(t, q.entries, 1)
}

func TestPartialAcceptanceAcksOnlyAccepted(t *testing.T) {
	q := &memQueue{}
	q.add("ev-1", 1)
	q.add("ev-2", 2)

	partial := &partialSender{acceptOnly: "ev-1"}
	m := newTestManager(q, partial)

	require.NoError(t, m.RunCycle(context.Background()))
	require.Len(t, q.entries, 1)
	assert.Equal(t, "ev-2", q.entries[0].Event.ID)
}

type partialSender struct {
	acceptOnly string
}

func (p *partialSender) IngestBatch(ctx context.Context, batchID string, events []models.Event) (*ingestclient.BatchResponse, error) {
	return &ingestclient.BatchResponse{AcceptedIDs: []string{p.acceptOnly}}, nil
}
