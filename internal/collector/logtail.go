package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/models"
	"github.com/provsight-systems/provsight-agent/internal/rules"
)

// cursor remembers how far into a log file the collector has read. Cursors
// persist across restarts so lines are neither re-processed nor lost.
type cursor struct {
	Offset int64 `json:"offset"`
	// Size at the last read; a file now smaller than Offset was rotated.
	Size int64 `json:"size"`
	// File identity at the last read, where the platform exposes one. A
	// replacement file that already grew past the old offset still gets a
	// cursor reset because its identity changed.
	Dev uint64 `json:"dev,omitempty"`
	Ino uint64 `json:"ino,omitempty"`
}

// LogTail tails a fixed set of rolling log files, evaluating each new line
// against the active rule set and emitting an event per match.
type LogTail struct {
	paths      []string
	cursorPath string
	ruleSet    func() *rules.Set
	sink       Sink
	log        *logging.Logger

	cursors  map[string]*cursor
	debugLog io.WriteCloser
}

// NewLogTail loads persisted cursors (if any) and returns the collector.
// ruleSet returns the current immutable rule set snapshot; it is read once
// per tick. debugPath, when non-empty, receives every matched raw line.
func NewLogTail(paths []string, cursorPath, debugPath string, ruleSet func() *rules.Set, sink Sink, log *logging.Logger) (*LogTail, error) {
	t := &LogTail{
		paths:      paths,
		cursorPath: cursorPath,
		ruleSet:    ruleSet,
		sink:       sink,
		log:        log.Component("logtail"),
		cursors:    make(map[string]*cursor),
	}

	if data, err := os.ReadFile(cursorPath); err == nil {
		if err := json.Unmarshal(data, &t.cursors); err != nil {
			t.log.Warn("cursor file unreadable, starting from scratch", "error", err)
			t.cursors = make(map[string]*cursor)
		}
	}

	if debugPath != "" {
		f, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			t.log.Warn("debug match log unavailable", "path", debugPath, "error", err)
		} else {
			t.debugLog = f
		}
	}

	return t, nil
}

func (t *LogTail) Name() string { return models.CollectorLogTail }

func (t *LogTail) Collect(ctx context.Context) error {
	set := t.ruleSet()
	var firstErr error
	for _, path := range t.paths {
		if ctx.Err() != nil {
			break
		}
		if err := t.readFile(path, set); err != nil {
			t.log.Warn("log file skipped this tick", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := t.saveCursors(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (t *LogTail) readFile(path string, set *rules.Set) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Provisioning components create their logs lazily.
			return nil
		}
		return fmt.Errorf("stat: %w", err)
	}

	cur := t.cursors[path]
	if cur == nil {
		cur = &cursor{}
		t.cursors[path] = cur
	}
	dev, ino, haveID := fileIdentity(info)
	rotated := info.Size() < cur.Offset
	if haveID && (cur.Dev != 0 || cur.Ino != 0) && (dev != cur.Dev || ino != cur.Ino) {
		rotated = true
	}
	if rotated {
		t.log.Info("log rotation detected, resetting cursor", "path", path)
		cur.Offset = 0
	}
	if haveID {
		cur.Dev, cur.Ino = dev, ino
	}
	cur.Size = info.Size()
	if info.Size() == cur.Offset {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(cur.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(f, info.Size()-cur.Offset))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	consumed := 0
	for {
		nl := bytes.IndexByte(data[consumed:], '\n')
		if nl < 0 {
			// Partial last line: leave it for the next tick.
			break
		}
		line := string(bytes.TrimRight(data[consumed:consumed+nl], "\r"))
		consumed += nl + 1
		if line == "" {
			continue
		}
		t.evalLine(path, line, set)
	}
	cur.Offset += int64(consumed)
	return nil
}

func (t *LogTail) evalLine(path, line string, set *rules.Set) {
	c, ok := set.Match(models.MatchLogLine, line)
	if !ok {
		return
	}
	if t.debugLog != nil {
		fmt.Fprintf(t.debugLog, "%s: %s\n", c.Rule.Name, line)
	}
	t.sink(models.Event{
		Type:      c.Rule.EventType,
		Severity:  c.Rule.Severity,
		Source:    t.Name(),
		Message:   line,
		PhaseHint: c.PhaseHint,
		Payload: map[string]any{
			"file": filepath.Base(path),
			"rule": c.Rule.Name,
		},
	})
}

func (t *LogTail) saveCursors() error {
	data, err := json.Marshal(t.cursors)
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.cursorPath, data, 0o644); err != nil {
		return fmt.Errorf("persist cursors: %w", err)
	}
	return nil
}

func (t *LogTail) Close() error {
	if t.debugLog != nil {
		return t.debugLog.Close()
	}
	return nil
}
