package ipc

import (
	"errors"
	"log/slog"

	"agentd/internal/protocol"
)

// Handlers holds the callbacks the daemon loop supplies for each command.
// A nil callback means the command is accepted and dropped.
type Handlers struct {
	Pause                func(clientID string, cmd *protocol.PauseCommand)
	Resume               func(clientID string, cmd *protocol.ResumeCommand)
	Stop                 func(clientID string, cmd *protocol.StopCommand)
	RequestSnapshot      func(clientID string, cmd *protocol.RequestSnapshotCommand)
	TaskStart            func(clientID string, cmd *protocol.TaskStartCommand)
	TaskReopen           func(clientID string, cmd *protocol.TaskReopenCommand)
	TaskDone             func(clientID string, cmd *protocol.TaskDoneCommand)
	TaskCreate           func(clientID string, cmd *protocol.TaskCreateCommand)
	DependencyAdd        func(clientID string, cmd *protocol.DependencyAddCommand)
	SetTaskReviewEnabled func(clientID string, cmd *protocol.SetTaskReviewEnabledCommand)
	ReloadConfig         func(clientID string, cmd *protocol.ReloadConfigCommand)
	RequestDoneTasks     func(clientID string, cmd *protocol.RequestDoneTasksCommand)
	RequestBlockedTasks  func(clientID string, cmd *protocol.RequestBlockedTasksCommand)
	RequestCompleted     func(clientID string, cmd *protocol.RequestCompletedTasksCommand)
	Browser              func(clientID string, cmd *protocol.BrowserCommand)
}

// Dispatcher decodes raw client messages and routes them to handler
// callbacks. Pure routing: no daemon state lives here.
type Dispatcher struct {
	handlers Handlers
	logger   *slog.Logger

	// disconnect is called for protocol-level errors (malformed JSON).
	disconnect func(clientID string)
}

// NewDispatcher creates a Dispatcher. disconnect handles protocol errors and
// is typically Server.Disconnect.
func NewDispatcher(handlers Handlers, disconnect func(clientID string), logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers:   handlers,
		logger:     logger,
		disconnect: disconnect,
	}
}

// Dispatch routes one raw message. Malformed messages disconnect the
// offending client; unknown types are silently ignored for forward
// compatibility.
func (d *Dispatcher) Dispatch(clientID string, raw []byte) {
	cmd, err := protocol.DecodeCommand(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			d.logger.Debug("ignoring unknown command type", "client", clientID)
			return
		}
		d.logger.Warn("malformed client message, disconnecting", "client", clientID, "error", err)
		if d.disconnect != nil {
			d.disconnect(clientID)
		}
		return
	}

	switch c := cmd.(type) {
	case *protocol.PauseCommand:
		call(d.handlers.Pause, clientID, c)
	case *protocol.ResumeCommand:
		call(d.handlers.Resume, clientID, c)
	case *protocol.StopCommand:
		call(d.handlers.Stop, clientID, c)
	case *protocol.RequestSnapshotCommand:
		call(d.handlers.RequestSnapshot, clientID, c)
	case *protocol.TaskStartCommand:
		call(d.handlers.TaskStart, clientID, c)
	case *protocol.TaskReopenCommand:
		call(d.handlers.TaskReopen, clientID, c)
	case *protocol.TaskDoneCommand:
		call(d.handlers.TaskDone, clientID, c)
	case *protocol.TaskCreateCommand:
		call(d.handlers.TaskCreate, clientID, c)
	case *protocol.DependencyAddCommand:
		call(d.handlers.DependencyAdd, clientID, c)
	case *protocol.SetTaskReviewEnabledCommand:
		call(d.handlers.SetTaskReviewEnabled, clientID, c)
	case *protocol.ReloadConfigCommand:
		call(d.handlers.ReloadConfig, clientID, c)
	case *protocol.RequestDoneTasksCommand:
		call(d.handlers.RequestDoneTasks, clientID, c)
	case *protocol.RequestBlockedTasksCommand:
		call(d.handlers.RequestBlockedTasks, clientID, c)
	case *protocol.RequestCompletedTasksCommand:
		call(d.handlers.RequestCompleted, clientID, c)
	case *protocol.BrowserCommand:
		call(d.handlers.Browser, clientID, c)
	}
}

func call[T any](fn func(string, T), clientID string, cmd T) {
	if fn != nil {
		fn(clientID, cmd)
	}
}
