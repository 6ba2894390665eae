package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

// ProgressState is the externally-maintained provisioning progress store:
// how many blocking installs have finished and what each tracked item is
// doing right now.
type ProgressState struct {
	BlockingTotal     int               `json:"blocking_total"`
	BlockingCompleted int               `json:"blocking_completed"`
	Apps              map[string]string `json:"apps"` // name -> pending|installing|installed|failed
	UIStage           string            `json:"ui_stage,omitempty"`
}

// ProgressSource reads the current progress state. Returns nil state when
// the store does not exist yet.
type ProgressSource interface {
	Read(ctx context.Context) (*ProgressState, error)
}

// FileProgressSource reads the state from a JSON file.
type FileProgressSource struct {
	Path string
}

func (f FileProgressSource) Read(ctx context.Context) (*ProgressState, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st ProgressState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse progress state: %w", err)
	}
	return &st, nil
}

// Progress polls the progress store on a short interval. The store changes
// slowly relative to the poll rate, so a content hash of the read state
// suppresses emission when nothing moved.
type Progress struct {
	src  ProgressSource
	sink Sink
	log  *logging.Logger

	lastHash string
	lastApps map[string]string
}

func NewProgress(src ProgressSource, sink Sink, log *logging.Logger) *Progress {
	return &Progress{
		src:  src,
		sink: sink,
		log:  log.Component("progress"),
	}
}

func (p *Progress) Name() string { return models.CollectorProgress }

func (p *Progress) Collect(ctx context.Context) error {
	st, err := p.src.Read(ctx)
	if err != nil {
		return fmt.Errorf("read progress store: %w", err)
	}
	if st == nil {
		return nil
	}

	hash := hashState(st)
	if hash == p.lastHash {
		return nil
	}

	p.emitAppChanges(st)
	p.emitSnapshot(st)
	p.lastHash = hash
	p.lastApps = cloneApps(st.Apps)
	return nil
}

func (p *Progress) emitSnapshot(st *ProgressState) {
	var hint *models.Phase
	if st.BlockingTotal > 0 && st.BlockingCompleted < st.BlockingTotal {
		hint = models.HintPhase(models.PhaseAppsDevice)
	}
	p.sink(models.Event{
		Type:     models.TypeESPUIState,
		Severity: models.SeverityInfo,
		Source:   p.Name(),
		Message: fmt.Sprintf("blocking installs %d/%d complete",
			st.BlockingCompleted, st.BlockingTotal),
		PhaseHint: hint,
		Payload: map[string]any{
			"blocking_total":     st.BlockingTotal,
			"blocking_completed": st.BlockingCompleted,
			"ui_stage":           st.UIStage,
		},
	})
}

// emitAppChanges diffs per-app statuses against the previous tick and
// emits install lifecycle events for the transitions.
func (p *Progress) emitAppChanges(st *ProgressState) {
	names := make([]string, 0, len(st.Apps))
	for name := range st.Apps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		status := st.Apps[name]
		if p.lastApps[name] == status {
			continue
		}
		var typ models.EventType
		sev := models.SeverityInfo
		switch status {
		case "installing":
			typ = models.TypeAppInstallStarted
		case "installed":
			typ = models.TypeAppInstallCompleted
		case "failed":
			typ = models.TypeAppInstallFailed
			sev = models.SeverityError
		default:
			continue
		}
		p.sink(models.Event{
			Type:     typ,
			Severity: sev,
			Source:   p.Name(),
			Message:  fmt.Sprintf("app %q %s", name, status),
			Payload: map[string]any{
				"app":    name,
				"status": status,
			},
		})
	}
}

func (p *Progress) Close() error { return nil }

// hashState produces a stable digest of the observable state. Map order
// must not affect the hash.
func hashState(st *ProgressState) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d/%d/%s", st.BlockingCompleted, st.BlockingTotal, st.UIStage)
	names := make([]string, 0, len(st.Apps))
	for name := range st.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%s", name, st.Apps[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cloneApps(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
