package daemon

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"agentd/internal/events"
	"agentd/internal/protocol"
)

// Version is stamped into hello events. Overridden at build time.
var Version = "dev"

// NotifyConfigChanged flags that the config file was reloaded outside the
// loop (the fsnotify watcher). The next tick broadcasts config_reloaded.
// Safe for concurrent use.
func (d *Daemon) NotifyConfigChanged() {
	d.configChanged.Store(true)
}

// Run drives the daemon until ctx is cancelled or a stop command completes
// shutdown. All orchestration state is touched only from this goroutine.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx = ctx

	ticker := time.NewTicker(d.config().TickInterval())
	defer ticker.Stop()

	lastSnapshot := d.now()

	// done is nilled after the first cancellation so the ticker keeps
	// pacing shutdown ticks instead of the select spinning hot.
	done := ctx.Done()

	for {
		select {
		case <-done:
			d.life.BeginShutdown(true)
			done = nil
		case <-ticker.C:
		}

		d.tick(ctx, &lastSnapshot)

		if d.life.ShuttingDown() && d.shutdownComplete(ctx) {
			return d.finishShutdown(ctx)
		}
	}
}

// tick runs one pass of the loop. Panics inside a tick are contained: in
// development they propagate, otherwise they are logged to the debug file
// and the loop keeps going, since one poisoned tick must not take down
// every running agent.
func (d *Daemon) tick(ctx context.Context, lastSnapshot *time.Time) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if d.config().Daemon.Development {
			panic(r)
		}
		d.logger.Error("tick panicked", "panic", r)
		d.appendDebugLog(fmt.Sprintf("%s tick panic: %v\n%s\n", d.now().Format(time.RFC3339), r, debug.Stack()))
	}()

	// 1. Greet newly connected clients, then dispatch their commands.
	joined, msgs := d.transport.Poll()
	for _, clientID := range joined {
		d.sendTo(clientID, protocol.HelloEvent{
			EventMeta: d.meta(protocol.TypeHello),
			Version:   Version,
		})
		d.forceSnapshot(ctx, clientID)
	}
	for _, msg := range msgs {
		d.disp.Dispatch(msg.ClientID, msg.Data)
	}

	// 2. Shutdown transitions take effect before any new work is taken on.
	if d.life.ShuttingDown() {
		if !d.sup.IsShuttingDown() {
			d.sup.SetShuttingDown()
		}
		if !d.life.Graceful() {
			if err := d.sup.KillAll(); err != nil {
				d.logger.Error("failed to kill process group", "error", err)
			}
		}
	}

	// 3. Health transitions, then spawning against the updated picture.
	d.checkHealthTransitions()

	if !d.life.Paused() && !d.life.ShuttingDown() {
		d.spawnReadyTasks(ctx)
	}

	// 4. Subprocess completions, then any resolved reviews.
	d.pollAndHandleCompletions(ctx)
	d.checkCompletedReviews(ctx)

	// 5. External config reload flagged by the file watcher.
	if d.configChanged.Swap(false) {
		d.logger.Info("config file changed on disk")
		d.broadcast(protocol.ConfigReloadedEvent{EventMeta: d.meta(protocol.TypeConfigReloaded)})
		d.bus.Publish(events.TopicSystem, events.ConfigReloadedEvent{Timestamp: d.now()})
	}

	// 6. Periodic snapshot, broadcast only when state actually moved.
	if d.now().Sub(*lastSnapshot) >= d.config().SnapshotInterval() {
		d.broadcastSnapshotIfChanged(ctx)
		*lastSnapshot = d.now()
	}
}

// shutdownComplete reports whether the daemon may exit: immediately under
// force, after the last subprocess and review drain under graceful.
func (d *Daemon) shutdownComplete(ctx context.Context) bool {
	if !d.life.Graceful() {
		return true
	}
	return d.sup.Count() == 0 && len(d.pendingReviews) == 0 && len(d.reviewResults) == 0
}

func (d *Daemon) finishShutdown(ctx context.Context) error {
	d.logger.Info("daemon shutting down", "graceful", d.life.Graceful())

	if !d.life.Graceful() {
		if err := d.sup.KillAll(); err != nil {
			d.logger.Error("failed to kill remaining processes", "error", err)
		}
	}

	// Only an explicit stop command owns the PID file removal; a crash or
	// signal leaves it for the next start's staleness check.
	if d.life.StopExplicit() {
		if err := d.life.RemovePIDFile(); err != nil {
			d.logger.Warn("failed to remove pid file", "error", err)
		}
	}

	d.bus.Close()
	if err := d.transport.Close(); err != nil {
		d.logger.Warn("failed to close transport", "error", err)
	}
	return nil
}

// appendDebugLog writes packaged-build diagnostics to the side-channel log
// file, since a panicking tick cannot rely on the normal logger reaching
// anyone.
func (d *Daemon) appendDebugLog(entry string) {
	if d.debugLog == "" {
		return
	}
	f, err := os.OpenFile(d.debugLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(entry)
}
