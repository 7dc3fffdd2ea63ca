package daemon

import (
	"context"
	"sync"

	"github.com/mitchellh/hashstructure/v2"

	"agentd/internal/events"
	"agentd/internal/health"
	"agentd/internal/protocol"
)

// SnapshotManager builds point-in-time state views and keeps the per-task
// output rings. AppendOutput is called from supervisor drain goroutines,
// everything else from the daemon loop, hence the lock.
type SnapshotManager struct {
	mu       sync.Mutex
	rings    map[string]*outputRing
	ringSize int

	lastHash   uint64
	lastHealth map[string]health.Status
}

func NewSnapshotManager(ringSize int) *SnapshotManager {
	return &SnapshotManager{
		rings:      make(map[string]*outputRing),
		ringSize:   ringSize,
		lastHealth: make(map[string]health.Status),
	}
}

// outputRing keeps the newest output lines of one task, capped by total
// byte size rather than line count.
type outputRing struct {
	lines []string
	bytes int
	cap   int
}

func (r *outputRing) append(line string) {
	r.lines = append(r.lines, line)
	r.bytes += len(line)
	for r.bytes > r.cap && len(r.lines) > 1 {
		r.bytes -= len(r.lines[0])
		r.lines = r.lines[1:]
	}
}

// AppendOutput records one output line for a task. Safe for concurrent use.
func (m *SnapshotManager) AppendOutput(taskID, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.rings[taskID]
	if !ok {
		ring = &outputRing{cap: m.ringSize}
		m.rings[taskID] = ring
	}
	ring.append(line)
}

// OutputTail returns the retained output lines for a task.
func (m *SnapshotManager) OutputTail(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.rings[taskID]
	if !ok {
		return nil
	}
	out := make([]string, len(ring.lines))
	copy(out, ring.lines)
	return out
}

// DropOutput releases a task's ring once its subprocess has finished.
func (m *SnapshotManager) DropOutput(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rings, taskID)
}

// buildSnapshot assembles the full state view sent to clients.
func (d *Daemon) buildSnapshot(ctx context.Context) (protocol.SnapshotEvent, error) {
	tasks, err := d.store.ListTasks(ctx)
	if err != nil {
		return protocol.SnapshotEvent{}, err
	}
	runs, err := d.store.ListLiveRuns(ctx)
	if err != nil {
		return protocol.SnapshotEvent{}, err
	}

	views := make([]protocol.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, protocol.NewTaskView(t))
	}
	runViews := make([]protocol.RunView, 0, len(runs))
	for _, r := range runs {
		runViews = append(runViews, protocol.NewRunView(r))
	}

	return protocol.SnapshotEvent{
		EventMeta:  d.meta(protocol.TypeSnapshot),
		Paused:     d.life.Paused(),
		Tasks:      views,
		ActiveRuns: runViews,
		Health:     d.health.AllStatus(),
	}, nil
}

// broadcastSnapshotIfChanged hashes the snapshot body and broadcasts only
// when it differs from the last one sent. The envelope timestamp is zeroed
// for hashing so an unchanged state never looks new.
func (d *Daemon) broadcastSnapshotIfChanged(ctx context.Context) {
	snap, err := d.buildSnapshot(ctx)
	if err != nil {
		d.logger.Error("failed to build snapshot", "error", err)
		return
	}

	hash, err := snapshotHash(snap)
	if err != nil {
		d.logger.Error("failed to hash snapshot", "error", err)
		return
	}
	if hash == d.snap.lastHash {
		return
	}
	d.snap.lastHash = hash
	d.broadcast(snap)
}

// forceSnapshot broadcasts unconditionally and resets the change hash, used
// after pause/resume and on client request.
func (d *Daemon) forceSnapshot(ctx context.Context, clientID string) {
	snap, err := d.buildSnapshot(ctx)
	if err != nil {
		d.logger.Error("failed to build snapshot", "error", err)
		return
	}
	if clientID == "" {
		if hash, herr := snapshotHash(snap); herr == nil {
			d.snap.lastHash = hash
		}
		d.broadcast(snap)
		return
	}
	d.sendTo(clientID, snap)
}

// snapshotHash hashes the snapshot body with the envelope and the
// wall-clock-derived backoff countdowns zeroed, so an unchanged state never
// hashes differently just for the passage of time.
func snapshotHash(snap protocol.SnapshotEvent) (uint64, error) {
	snap.EventMeta = protocol.EventMeta{}
	if len(snap.Health) > 0 {
		statuses := make([]health.Status, len(snap.Health))
		copy(statuses, snap.Health)
		for i := range statuses {
			statuses[i].BackoffSeconds = 0
		}
		snap.Health = statuses
	}
	return hashstructure.Hash(snap, hashstructure.FormatV2, nil)
}

// checkHealthTransitions diffs agent health against the last tick and
// broadcasts only the agents whose availability actually changed.
func (d *Daemon) checkHealthTransitions() {
	current := d.health.AllStatus()
	for _, st := range current {
		prev, seen := d.snap.lastHealth[st.Agent]
		if seen && prev.InBackoff == st.InBackoff && prev.Dead == st.Dead {
			d.snap.lastHealth[st.Agent] = st
			continue
		}
		d.snap.lastHealth[st.Agent] = st
		if !seen && !st.InBackoff && !st.Dead {
			// First sighting in a healthy state is not a transition.
			continue
		}

		d.logger.Info("agent health changed",
			"agent", st.Agent, "in_backoff", st.InBackoff, "dead", st.Dead)
		d.broadcast(protocol.HealthChangeEvent{
			EventMeta: d.meta(protocol.TypeHealthChange),
			Status:    st,
		})
		d.bus.Publish(events.TopicHealth, events.HealthChangedEvent{
			Agent:     st.Agent,
			InBackoff: st.InBackoff,
			Dead:      st.Dead,
			Timestamp: d.now(),
		})
	}
}

// StreamOutputLine fans one subprocess output line out to clients. Wired
// as the supervisor's output callback, so it runs on drain goroutines and
// must not touch loop-owned state.
func (d *Daemon) StreamOutputLine(taskID, line string) {
	d.snap.AppendOutput(taskID, line)
	d.broadcast(protocol.TaskOutputEvent{
		EventMeta: d.meta(protocol.TypeTaskOutput),
		TaskID:    taskID,
		Line:      line,
	})
}
