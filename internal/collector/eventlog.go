package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/models"
	"github.com/provsight-systems/provsight-agent/internal/rules"
)

// EventLogEntry is one record from an OS event-log channel.
type EventLogEntry struct {
	Time     time.Time `json:"time"`
	Provider string    `json:"provider"`
	Level    string    `json:"level"`
	EventID  int       `json:"event_id"`
	Message  string    `json:"message"`
}

// EventLogSource reads event-log records at or after since; the collector
// deduplicates entries that share the watermark timestamp. Implementations
// exist per platform; FileEventLogSource reads an exported JSONL stream and
// doubles as the test source.
type EventLogSource interface {
	Read(ctx context.Context, since time.Time) ([]EventLogEntry, error)
}

// FileEventLogSource reads entries from a JSONL file maintained by an
// external exporter.
type FileEventLogSource struct {
	Path string
}

func (f FileEventLogSource) Read(ctx context.Context, since time.Time) ([]EventLogEntry, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []EventLogEntry
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var e EventLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !e.Time.Before(since) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// EventLog polls an event-log source and emits events for entries matching
// the active event_log rules.
type EventLog struct {
	src     EventLogSource
	ruleSet func() *rules.Set
	sink    Sink
	log     *logging.Logger

	// lastSeen is the newest timestamp processed; seenAtMark holds the
	// entries carrying exactly that timestamp, so a later entry with the
	// same timestamp is still picked up on the next tick.
	lastSeen   time.Time
	seenAtMark map[string]struct{}
}

func NewEventLog(src EventLogSource, ruleSet func() *rules.Set, sink Sink, log *logging.Logger) *EventLog {
	return &EventLog{
		src:        src,
		ruleSet:    ruleSet,
		sink:       sink,
		log:        log.Component("event-log"),
		lastSeen:   time.Now().UTC(),
		seenAtMark: make(map[string]struct{}),
	}
}

func (e *EventLog) Name() string { return models.CollectorEventLog }

func (e *EventLog) Collect(ctx context.Context) error {
	entries, err := e.src.Read(ctx, e.lastSeen)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	set := e.ruleSet()
	for _, entry := range entries {
		key := entryKey(entry)
		switch {
		case entry.Time.After(e.lastSeen):
			e.lastSeen = entry.Time
			e.seenAtMark = map[string]struct{}{key: {}}
		case entry.Time.Equal(e.lastSeen):
			if _, dup := e.seenAtMark[key]; dup {
				continue
			}
			e.seenAtMark[key] = struct{}{}
		default:
			continue
		}
		match, ok := set.Match(models.MatchEventLog, entry.Provider+": "+entry.Message)
		if !ok {
			continue
		}
		e.sink(models.Event{
			Timestamp: entry.Time,
			Type:      match.Rule.EventType,
			Severity:  match.Rule.Severity,
			Source:    e.Name(),
			Message:   entry.Message,
			PhaseHint: match.PhaseHint,
			Payload: map[string]any{
				"provider": entry.Provider,
				"level":    entry.Level,
				"event_id": entry.EventID,
				"rule":     match.Rule.Name,
			},
		})
	}
	return nil
}

func (e *EventLog) Close() error { return nil }

func entryKey(e EventLogEntry) string {
	return fmt.Sprintf("%s/%d/%s", e.Provider, e.EventID, e.Message)
}
