// Package agent owns the lifecycle of the whole monitoring pipeline:
// remote config first, then the tracker and enabled collectors, then the
// upload loop. All producers emit through one bounded queue with a single
// writer goroutine stamping identity and ordering before the spool sees
// anything.
package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/provsight-systems/provsight-agent/internal/collector"
	"github.com/provsight-systems/provsight-agent/internal/config"
	"github.com/provsight-systems/provsight-agent/internal/ingestclient"
	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/metrics"
	"github.com/provsight-systems/provsight-agent/internal/models"
	"github.com/provsight-systems/provsight-agent/internal/remoteconfig"
	"github.com/provsight-systems/provsight-agent/internal/rules"
	"github.com/provsight-systems/provsight-agent/internal/spool"
	"github.com/provsight-systems/provsight-agent/internal/tracker"
	"github.com/provsight-systems/provsight-agent/internal/uploader"
)

const (
	sinkQueueSize   = 4096
	shutdownTimeout = 15 * time.Second
	flushTimeout    = 10 * time.Second
)

type Agent struct {
	cfg *config.Config
	log *logging.Logger

	sessionID string
	seq       atomic.Uint64

	client   *ingestclient.Client
	spool    *spool.Spool
	tracker  *tracker.Tracker
	remote   *remoteconfig.Service
	uploader *uploader.Manager

	ruleSet atomic.Pointer[rules.Set]

	runnersMu sync.Mutex
	runners   map[string]*collector.Runner
	closers   []io.Closer

	events    chan models.Event
	sinkQuit  chan struct{}
	sinkDone  chan struct{}
	sinkOnce  sync.Once
	watchQuit chan struct{}
	watchOnce sync.Once
	metricSrv *http.Server
}

// New wires the pipeline without starting anything.
func New(cfg *config.Config, log *logging.Logger) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		log:       log.Component("agent"),
		sessionID: uuid.NewString(),
		runners:   make(map[string]*collector.Runner),
		events:    make(chan models.Event, sinkQueueSize),
		sinkQuit:  make(chan struct{}),
		sinkDone:  make(chan struct{}),
		watchQuit: make(chan struct{}),
	}

	a.client = ingestclient.New(cfg.Endpoint.URL, cfg.Endpoint.DeviceCredential, cfg.Endpoint.Timeout)
	a.remote = remoteconfig.New(a.client, cfg.ConfigCachePath(), log)
	a.tracker = tracker.New(cfg.Tracker.AccountSignalWindow, log)

	sp, err := spool.Open(cfg.SpoolPath(), log)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	a.spool = sp

	a.uploader = uploader.New(sp, a.client, a.remote.Current, log)

	defaults, err := rules.Default(log)
	if err != nil {
		return nil, fmt.Errorf("load bundled rules: %w", err)
	}
	a.ruleSet.Store(defaults)

	return a, nil
}

// SessionID returns the identifier stamped on every event of this run.
func (a *Agent) SessionID() string { return a.sessionID }

// Run starts the pipeline and blocks until ctx is cancelled or the
// session reaches a terminal phase. Shutdown is bounded; a dead network
// cannot hang it.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "session_id", a.sessionID)

	if err := a.client.RegisterSession(ctx, ingestclient.RegisterRequest{
		SessionID: a.sessionID,
		TenantID:  a.cfg.Session.TenantID,
		Hostname:  hostname(),
	}); err != nil {
		// Registration is best effort; the batch path carries identity too.
		a.log.Warn("session registration failed", "error", err)
	}

	snapshot := a.remote.Load(ctx)
	a.applyRules(snapshot)

	go a.sinkLoop()
	a.startMetrics()

	if err := a.startCollectors(snapshot); err != nil {
		a.log.Warn("collector startup incomplete", "error", err)
	}
	a.uploader.Start(ctx)
	a.remote.Start(ctx, refreshInterval(snapshot))
	go a.watchConfig(ctx)

	// Periodic nudge so time-based variant inference runs during quiet
	// stretches with no events.
	trackerTick := time.NewTicker(time.Minute)
	defer trackerTick.Stop()

	var reason string
	for reason == "" {
		select {
		case <-ctx.Done():
			reason = "signal"
		case <-a.tracker.Done():
			reason = "terminal phase"
		case <-trackerTick.C:
			a.emitAll(a.tracker.Tick())
		}
	}
	a.log.Info("agent stopping", "reason", reason, "phase", a.tracker.Current().String())

	a.shutdown()
	return nil
}

// Once performs a single collection pass and one upload cycle; used by the
// CLI --once flag and the smoke tests.
func (a *Agent) Once(ctx context.Context) error {
	snapshot := a.remote.Load(ctx)
	a.applyRules(snapshot)
	go a.sinkLoop()

	if err := a.startCollectors(snapshot); err != nil {
		return err
	}
	a.runnersMu.Lock()
	for _, r := range a.runners {
		r.Kick()
	}
	a.runnersMu.Unlock()
	// Give the ticks a moment to land before flushing.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	a.shutdown()
	return nil
}

// Emit is the shared sink. It never blocks: a full queue drops the event
// with a warning, which is preferable to stalling a collector tick.
func (a *Agent) Emit(ev models.Event) {
	select {
	case a.events <- ev:
	default:
		metrics.EventsDropped.Inc()
		a.log.Warn("sink queue full, event dropped", "type", string(ev.Type), "source", ev.Source)
	}
}

// sinkLoop is the single writer: stamps identity/ordering, routes the
// event through the tracker, and spools the event plus anything the
// tracker derived from it. Shutdown is signalled through sinkQuit rather
// than closing the events channel, so a late Emit from a straggling
// producer can never panic the process; anything already queued is
// drained before the loop exits.
func (a *Agent) sinkLoop() {
	defer close(a.sinkDone)
	for {
		select {
		case ev := <-a.events:
			a.ingest(ev)
		case <-a.sinkQuit:
			for {
				select {
				case ev := <-a.events:
					a.ingest(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) emitAll(evs []models.Event) {
	for _, ev := range evs {
		a.Emit(ev)
	}
}

func (a *Agent) ingest(ev models.Event) {
	derived := a.tracker.Observe(ev)
	a.stamp(&ev)
	a.spool.Enqueue(ev)
	metrics.EventsEmitted.WithLabelValues(string(ev.Type), ev.Source).Inc()
	for _, d := range derived {
		a.stamp(&d)
		a.spool.Enqueue(d)
		metrics.EventsEmitted.WithLabelValues(string(d.Type), d.Source).Inc()
	}
}

func (a *Agent) stamp(ev *models.Event) {
	if id, err := uuid.NewV7(); err == nil {
		ev.ID = id.String()
	} else {
		ev.ID = uuid.NewString()
	}
	ev.SessionID = a.sessionID
	ev.TenantID = a.cfg.Session.TenantID
	ev.Sequence = a.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Phase == 0 && ev.Type != models.TypePhaseTransition {
		ev.Phase = a.tracker.Current()
	}
}

func (a *Agent) currentRules() *rules.Set { return a.ruleSet.Load() }

func (a *Agent) applyRules(cfg *models.RemoteConfig) {
	if len(cfg.Rules) == 0 {
		return
	}
	cur := a.ruleSet.Load()
	if cur != nil && cur.Version() == cfg.RulesVersion {
		return
	}
	set := rules.Compile(cfg.RulesVersion, cfg.Rules, a.log)
	a.ruleSet.Store(set)
	a.log.Info("rule set applied", "version", cfg.RulesVersion, "rules", set.Len())
}

// startCollectors builds and starts runners for every collector the
// snapshot enables. Collectors disabled now may be enabled by a later
// snapshot; watchConfig handles that.
func (a *Agent) startCollectors(cfg *models.RemoteConfig) error {
	a.runnersMu.Lock()
	defer a.runnersMu.Unlock()
	mon := a.cfg.Monitor
	fallback := mon.DefaultInterval
	var firstErr error

	if cfg.CollectorEnabled(models.CollectorLogTail) && len(mon.LogFiles) > 0 {
		if _, ok := a.runners[models.CollectorLogTail]; !ok {
			tail, err := collector.NewLogTail(mon.LogFiles, a.cfg.CursorPath(), mon.DebugMatchLog, a.currentRules, a.Emit, a.log)
			if err != nil {
				firstErr = err
			} else {
				r := collector.NewRunner(tail, cfg.CollectorInterval(models.CollectorLogTail, fallback), a.log)
				a.runners[models.CollectorLogTail] = r
				if mon.WatchLogWrites {
					if w, err := collector.WatchFiles(mon.LogFiles, r.Kick, a.log); err == nil {
						a.closers = append(a.closers, w)
					}
				}
			}
		}
	}

	if cfg.CollectorEnabled(models.CollectorEventLog) && mon.EventLogFile != "" {
		if _, ok := a.runners[models.CollectorEventLog]; !ok {
			src := collector.FileEventLogSource{Path: mon.EventLogFile}
			el := collector.NewEventLog(src, a.currentRules, a.Emit, a.log)
			a.runners[models.CollectorEventLog] = collector.NewRunner(el, cfg.CollectorInterval(models.CollectorEventLog, fallback), a.log)
		}
	}

	if _, ok := a.runners[models.CollectorResources]; !ok {
		res := collector.NewResources(a.cfg.Storage.DataDir, a.Emit, a.log)
		a.runners[models.CollectorResources] = collector.NewRunner(res, cfg.CollectorInterval(models.CollectorResources, time.Minute), a.log)
	}

	if cfg.CollectorEnabled(models.CollectorProgress) {
		if _, ok := a.runners[models.CollectorProgress]; !ok {
			src, err := a.progressSource()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else if src != nil {
				prog := collector.NewProgress(src, a.Emit, a.log)
				a.runners[models.CollectorProgress] = collector.NewRunner(prog, cfg.CollectorInterval(models.CollectorProgress, 5*time.Second), a.log)
			}
		}
	}

	for name, r := range a.runners {
		if !r.Started() && cfg.CollectorEnabled(name) {
			r.Start(context.Background())
			a.log.Info("collector started", "collector", name)
		}
	}
	return firstErr
}

func (a *Agent) progressSource() (collector.ProgressSource, error) {
	switch a.cfg.Monitor.ProgressSource {
	case "registry":
		return collector.NewRegistryProgressSource(a.cfg.Monitor.ProgressKey)
	case "file":
		if a.cfg.Monitor.ProgressFile == "" {
			return nil, nil
		}
		return collector.FileProgressSource{Path: a.cfg.Monitor.ProgressFile}, nil
	default:
		return nil, fmt.Errorf("unknown progress source %q", a.cfg.Monitor.ProgressSource)
	}
}

// watchConfig reacts to applied snapshots: recompiles rules, retunes
// runner intervals, starts newly enabled collectors and stops newly
// disabled ones.
func (a *Agent) watchConfig(ctx context.Context) {
	versions := a.remote.Subscribe()
	for {
		select {
		case v, ok := <-versions:
			if !ok {
				return
			}
			cfg := a.remote.Current()
			a.log.Info("config change received", "version", v)
			a.applyRules(cfg)
			a.reconcileCollectors(ctx, cfg)
		case <-a.watchQuit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) reconcileCollectors(ctx context.Context, cfg *models.RemoteConfig) {
	a.runnersMu.Lock()
	for name, r := range a.runners {
		if r.Started() && !cfg.CollectorEnabled(name) {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.Stop(stopCtx); err != nil {
				a.log.Warn("collector stop timed out", "collector", name, "error", err)
			}
			cancel()
			delete(a.runners, name)
			a.log.Info("collector disabled by config", "collector", name)
			continue
		}
		r.SetInterval(cfg.CollectorInterval(name, a.cfg.Monitor.DefaultInterval))
	}
	a.runnersMu.Unlock()
	if err := a.startCollectors(cfg); err != nil {
		a.log.Warn("collector reconcile incomplete", "error", err)
	}
}

func (a *Agent) startMetrics() {
	if !a.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := a.metricSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Warn("metrics listener failed", "error", err)
		}
	}()
}

// shutdown stops producers, drains the sink, attempts one final flush,
// and runs self-cleanup when the session ended at a terminal phase.
func (a *Agent) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop the config watcher first so no collector can be started while
	// the rest of the pipeline is coming down.
	a.watchOnce.Do(func() { close(a.watchQuit) })

	a.runnersMu.Lock()
	for name, r := range a.runners {
		if err := r.Stop(stopCtx); err != nil {
			a.log.Warn("collector stop timed out", "collector", name, "error", err)
		}
	}
	a.runnersMu.Unlock()
	for _, c := range a.closers {
		c.Close()
	}
	a.remote.Stop()
	a.uploader.Stop()

	// All producers are stopped; drain the sink.
	a.sinkOnce.Do(func() { close(a.sinkQuit) })
	select {
	case <-a.sinkDone:
	case <-stopCtx.Done():
		a.log.Warn("sink drain timed out")
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	a.uploader.FinalFlush(flushCtx)
	cancelFlush()

	if a.metricSrv != nil {
		a.metricSrv.Shutdown(stopCtx)
	}

	a.selfCleanup()

	if err := a.spool.Close(); err != nil && err != spool.ErrClosed {
		a.log.Warn("spool close failed", "error", err)
	}
}

// selfCleanup removes agent-owned artifacts once the monitored workflow
// is over, when the remote config allows it.
func (a *Agent) selfCleanup() {
	cfg := a.remote.Current()
	if cfg == nil || !cfg.SelfCleanup || !a.tracker.Current().Terminal() {
		return
	}
	if a.spool.Len() > 0 {
		a.log.Info("self-cleanup skipped, undelivered events remain", "pending", a.spool.Len())
		return
	}
	a.log.Info("running self-cleanup")
	if err := a.spool.Remove(); err != nil {
		a.log.Warn("spool removal failed", "error", err)
	}
	for _, path := range []string{a.cfg.CursorPath(), a.cfg.ConfigCachePath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.log.Warn("artifact removal failed", "path", path, "error", err)
		}
	}
	if !cfg.PreserveLogs && a.cfg.Monitor.DebugMatchLog != "" {
		if err := os.Remove(a.cfg.Monitor.DebugMatchLog); err != nil && !os.IsNotExist(err) {
			a.log.Warn("debug log removal failed", "error", err)
		}
	}
}

func refreshInterval(cfg *models.RemoteConfig) time.Duration {
	if cfg.RefreshInterval > 0 {
		return cfg.RefreshInterval
	}
	return 5 * time.Minute
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
