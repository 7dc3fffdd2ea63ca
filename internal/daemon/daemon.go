// Package daemon implements the orchestration core: the single-threaded
// event loop that matches ready tasks to agent capacity, supervises
// subprocess completions, runs the review state machine, and streams state
// to IPC clients.
package daemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"agentd/internal/config"
	"agentd/internal/events"
	"agentd/internal/health"
	"agentd/internal/ipc"
	"agentd/internal/protocol"
	"agentd/internal/store"
	"agentd/internal/supervisor"
	"agentd/internal/task"
)

// readyCacheTTL bounds how stale the ready-task cache may get between
// explicit invalidations.
const readyCacheTTL = 2 * time.Second

// Supervisor is the subprocess-supervision contract the daemon consumes.
type Supervisor interface {
	CanSpawn(agent string) bool
	Spawn(t *task.Task, agent string, cmd supervisor.Command, workDir, runID string, ptype task.ProcessType) (int, error)
	Poll() []task.CompletionResult
	ActiveProcesses() []supervisor.ActiveProcess
	Kill(taskID string) error
	KillAll() error
	SetShuttingDown()
	IsShuttingDown() bool
	Count() int
}

// Health is the agent-health contract the daemon consumes.
type Health interface {
	IsAvailable(agent string) bool
	IsDead(agent string, maxRetries int) bool
	RecordSuccess(agent string)
	RecordFailure(agent string, kind task.CompletionType)
	AllStatus() []health.Status
}

// Transport is the IPC surface the daemon drives. Implemented by
// ipc.Server; fakes implement it in tests.
type Transport interface {
	Poll() (joined []string, msgs []ipc.ClientMessage)
	Broadcast(data []byte)
	SendTo(clientID string, data []byte)
	Disconnect(clientID string)
	Close() error
}

// Options bundles the collaborators a Daemon composes.
type Options struct {
	Store      store.Store
	Supervisor Supervisor
	Health     Health
	Config     *config.Manager
	Transport  Transport
	Bus        *events.Bus
	Logger     *slog.Logger
	PIDPath    string
	DebugLog   string // Packaged-build tick panic log; empty disables
}

// Daemon owns all loop-local mutable state. Everything here is touched only
// from the tick call graph; the snapshot manager's ring buffers are the one
// exception and carry their own lock.
type Daemon struct {
	logger    *slog.Logger
	store     store.Store
	sup       Supervisor
	health    Health
	cfg       *config.Manager
	transport Transport
	bus       *events.Bus
	life      *Lifecycle
	snap      *SnapshotManager
	disp      *ipc.Dispatcher
	debugLog  string

	// Loop-owned state. Retry counters live only in daemon memory and do
	// not survive a restart.
	retryCounts    map[string]int
	readyCache     []*task.Task
	readyCacheAt   time.Time
	pendingReviews map[string]*pendingReview
	reviewResults  []task.CompletionResult

	// configChanged is the only cross-goroutine flag; the file watcher sets
	// it and the loop consumes it.
	configChanged atomic.Bool

	ctx context.Context
	now func() time.Time
}

// New assembles a Daemon from its collaborators.
func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config.Current()
	d := &Daemon{
		logger:         logger,
		store:          opts.Store,
		sup:            opts.Supervisor,
		health:         opts.Health,
		cfg:            opts.Config,
		transport:      opts.Transport,
		bus:            opts.Bus,
		life:           NewLifecycle(opts.PIDPath),
		snap:           NewSnapshotManager(cfg.Daemon.OutputBufferSize),
		debugLog:       opts.DebugLog,
		retryCounts:    make(map[string]int),
		pendingReviews: make(map[string]*pendingReview),
		now:            time.Now,
	}
	d.disp = ipc.NewDispatcher(d.handlers(), opts.Transport.Disconnect, logger)
	return d
}

// Lifecycle exposes the daemon's lifecycle manager (pause/stop flags,
// PID-file ownership).
func (d *Daemon) Lifecycle() *Lifecycle {
	return d.life
}

// Snapshot exposes the snapshot manager; the supervisor's output callback
// feeds its ring buffers.
func (d *Daemon) Snapshot() *SnapshotManager {
	return d.snap
}

// config returns the active configuration.
func (d *Daemon) config() *config.Config {
	return d.cfg.Current()
}

// invalidateReadyCache drops the cached ready-task set. Called after every
// task mutation so the next read reflects it.
func (d *Daemon) invalidateReadyCache() {
	d.readyCache = nil
	d.readyCacheAt = time.Time{}
}

// cachedReadyTasks returns the dependency-unblocked task set, re-querying
// the store only when the cache has expired or been invalidated.
func (d *Daemon) cachedReadyTasks(ctx context.Context) ([]*task.Task, error) {
	if d.readyCache != nil && d.now().Sub(d.readyCacheAt) < readyCacheTTL {
		return d.readyCache, nil
	}

	ready, err := d.store.ReadyTasks(ctx)
	if err != nil {
		return nil, err
	}
	d.readyCache = ready
	d.readyCacheAt = d.now()
	return ready, nil
}

// meta stamps the event envelope with the daemon's identity.
func (d *Daemon) meta(eventType string) protocol.EventMeta {
	return protocol.EventMeta{
		Type:       eventType,
		InstanceID: d.life.InstanceID(),
		Timestamp:  d.now().UTC(),
	}
}

// broadcast encodes and fans an event out to every client.
func (d *Daemon) broadcast(v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		d.logger.Error("failed to encode broadcast event", "error", err)
		return
	}
	d.transport.Broadcast(data)
}

// sendTo encodes and targets one client.
func (d *Daemon) sendTo(clientID string, v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		d.logger.Error("failed to encode event", "error", err)
		return
	}
	d.transport.SendTo(clientID, data)
}
