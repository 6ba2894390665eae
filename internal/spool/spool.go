// Package spool is the durable local queue of not-yet-delivered events.
// It is an append-only JSONL journal: "add" records append serialized
// entries, "ack" records are tombstones written when the uploader gets a
// positive acknowledgment. Nothing is ever rewritten in place; compaction
// rewrites the journal only when tombstones dominate. If the disk is
// unusable the spool degrades to memory-only and keeps going — a telemetry
// failure must never surface to the workflow being observed.
package spool

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/metrics"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

// ErrClosed is returned by operations on a closed spool.
var ErrClosed = errors.New("spool closed")

// Entry wraps one event with delivery metadata.
type Entry struct {
	Event      models.Event `json:"event"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Attempts   int          `json:"attempts"`
}

type record struct {
	Op    string `json:"op"` // "add" or "ack"
	Entry *Entry `json:"entry,omitempty"`
	ID    string `json:"id,omitempty"`
}

// compaction kicks in once tombstones outnumber half the adds and the
// journal has seen enough traffic to be worth rewriting.
const compactMinRecords = 256

type Spool struct {
	mu sync.Mutex

	path    string
	file    *os.File
	memOnly bool
	closed  bool

	pending []*Entry          // FIFO, oldest first
	byID    map[string]*Entry // index into pending

	adds       int // add records in the journal
	tombstones int // ack records in the journal

	lastReopen time.Time
	log        *logging.Logger
}

// Open loads any journal left by a previous run and returns a ready spool.
// Entries whose ack tombstone is present are discarded; the rest are
// pending again (at-least-once: an entry acked in memory but not yet
// journaled may be re-delivered). A journal that cannot be opened degrades
// the spool to memory-only; Open itself only fails on a corrupt directory
// path being a file, never on I/O trouble.
func Open(path string, log *logging.Logger) (*Spool, error) {
	s := &Spool{
		path: path,
		byID: make(map[string]*Entry),
		log:  log.Component("spool"),
	}

	if err := s.replay(); err != nil {
		s.log.Warn("journal replay failed, starting memory-only", "path", path, "error", err)
		metrics.SpoolDiskErrors.Inc()
		s.memOnly = true
	}

	if !s.memOnly {
		if err := s.openJournal(); err != nil {
			s.log.Warn("journal open failed, starting memory-only", "path", path, "error", err)
			metrics.SpoolDiskErrors.Inc()
			s.memOnly = true
		}
	}

	// A replay that found tombstones leaves garbage in the journal; start
	// the run from a clean file so restarts stay cheap.
	if !s.memOnly && s.tombstones > 0 {
		if err := s.compactLocked(); err != nil {
			s.degrade(err)
		}
	}

	metrics.SpoolDepth.Set(float64(len(s.pending)))
	return s, nil
}

func (s *Spool) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	acked := make(map[string]struct{})
	var entries []*Entry

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn tail write from a crash; everything before it is good.
			s.log.Warn("discarding corrupt journal record", "error", err)
			continue
		}
		switch rec.Op {
		case "add":
			if rec.Entry != nil {
				entries = append(entries, rec.Entry)
				s.adds++
			}
		case "ack":
			acked[rec.ID] = struct{}{}
			s.tombstones++
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		if _, ok := acked[e.Event.ID]; ok {
			continue
		}
		if _, dup := s.byID[e.Event.ID]; dup {
			continue
		}
		s.pending = append(s.pending, e)
		s.byID[e.Event.ID] = e
	}
	if len(s.pending) > 0 {
		s.log.Info("recovered pending events from journal", "count", len(s.pending))
	}
	return nil
}

func (s *Spool) openJournal() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

// Enqueue appends an event to the spool. It never blocks on network I/O
// and never fails the caller: a journal write error degrades the spool to
// memory-only and the entry stays queued in memory.
func (s *Spool) Enqueue(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, dup := s.byID[ev.ID]; dup {
		return
	}

	s.maybeReopenLocked()

	e := &Entry{Event: ev, EnqueuedAt: time.Now().UTC()}
	s.pending = append(s.pending, e)
	s.byID[ev.ID] = e
	metrics.SpoolDepth.Set(float64(len(s.pending)))

	if s.memOnly {
		return
	}
	if err := s.appendLocked(record{Op: "add", Entry: e}); err != nil {
		s.degrade(err)
		return
	}
	s.adds++
}

// DequeueBatch returns up to max of the oldest pending entries without
// removing them. Entries stay pending until acknowledged.
func (s *Spool) DequeueBatch(max int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || len(s.pending) == 0 {
		return nil
	}
	if max > len(s.pending) {
		max = len(s.pending)
	}
	out := make([]Entry, max)
	for i := 0; i < max; i++ {
		out[i] = *s.pending[i]
	}
	return out
}

// Ack permanently removes delivered entries. Unknown IDs are ignored, so
// re-acknowledging an already-delivered batch is a no-op.
func (s *Spool) Ack(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	removed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.byID[id]; !ok {
			continue
		}
		delete(s.byID, id)
		removed[id] = struct{}{}
	}
	if len(removed) == 0 {
		return
	}

	kept := s.pending[:0]
	for _, e := range s.pending {
		if _, ok := removed[e.Event.ID]; !ok {
			kept = append(kept, e)
		}
	}
	s.pending = kept
	metrics.SpoolDepth.Set(float64(len(s.pending)))

	if !s.memOnly {
		for id := range removed {
			if err := s.appendLocked(record{Op: "ack", ID: id}); err != nil {
				s.degrade(err)
				return
			}
			s.tombstones++
		}
		if s.adds+s.tombstones >= compactMinRecords && s.tombstones*2 > s.adds {
			if err := s.compactLocked(); err != nil {
				s.degrade(err)
			}
		}
	}
}

// MarkAttempt increments the delivery attempt count for the given entries
// after a failed upload. Attempt counts are delivery metadata only and are
// not re-journaled; a restart resets them, which only affects logging.
func (s *Spool) MarkAttempt(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.byID[id]; ok {
			e.Attempts++
		}
	}
}

// Len returns the number of pending entries.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// MemoryOnly reports whether the spool has lost its durable backing.
func (s *Spool) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memOnly
}

// Close flushes and closes the journal. Pending entries remain on disk for
// the next run.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// Remove deletes the journal from disk. Only the orchestrator calls this,
// during self-cleanup after a terminal phase.
func (s *Spool) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.closed = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove journal: %w", err)
	}
	return nil
}

func (s *Spool) appendLocked(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return err
	}
	return nil
}

// compactLocked rewrites the journal with only the still-pending adds.
func (s *Spool) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range s.pending {
		if err := enc.Encode(record{Op: "add", Entry: e}); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := s.openJournal(); err != nil {
		return err
	}
	s.adds = len(s.pending)
	s.tombstones = 0
	s.log.Debug("journal compacted", "pending", len(s.pending))
	return nil
}

// degrade flips the spool to memory-only after a journal failure.
func (s *Spool) degrade(err error) {
	s.log.Warn("journal write failed, degrading to memory-only", "error", err)
	metrics.SpoolDiskErrors.Inc()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.memOnly = true
	s.lastReopen = time.Now()
}

// maybeReopenLocked periodically retries durable storage after degrading.
// On success the whole pending set is re-journaled.
func (s *Spool) maybeReopenLocked() {
	if !s.memOnly || time.Since(s.lastReopen) < 30*time.Second {
		return
	}
	s.lastReopen = time.Now()
	if err := s.compactLocked(); err != nil {
		return
	}
	s.memOnly = false
	s.log.Info("durable storage recovered, journal rewritten", "pending", len(s.pending))
}
