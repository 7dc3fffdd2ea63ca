package ipc

import (
	"testing"

	"agentd/internal/protocol"
)

// TestDispatchRoutesTypedCommands checks commands land on their handler
// with fields decoded.
func TestDispatchRoutesTypedCommands(t *testing.T) {
	var startedTask, startedAgent string
	var paused bool

	d := NewDispatcher(Handlers{
		Pause: func(clientID string, cmd *protocol.PauseCommand) {
			paused = true
		},
		TaskStart: func(clientID string, cmd *protocol.TaskStartCommand) {
			startedTask = cmd.TaskIDField
			startedAgent = cmd.Agent
		},
	}, nil, nil)

	d.Dispatch("c-1", []byte(`{"type":"pause"}`))
	if !paused {
		t.Error("pause handler not invoked")
	}

	d.Dispatch("c-1", []byte(`{"type":"task_start","task_id":"t-9","agent":"codex"}`))
	if startedTask != "t-9" || startedAgent != "codex" {
		t.Errorf("task_start decoded wrong: task=%q agent=%q", startedTask, startedAgent)
	}
}

// TestDispatchNilHandlerIsDropped verifies commands without a registered
// handler are accepted silently.
func TestDispatchNilHandlerIsDropped(t *testing.T) {
	d := NewDispatcher(Handlers{}, nil, nil)
	d.Dispatch("c-1", []byte(`{"type":"resume"}`)) // Must not panic
}

// TestDispatchUnknownTypeIgnored verifies forward compatibility: unknown
// types neither dispatch nor disconnect.
func TestDispatchUnknownTypeIgnored(t *testing.T) {
	disconnected := ""
	d := NewDispatcher(Handlers{}, func(clientID string) {
		disconnected = clientID
	}, nil)

	d.Dispatch("c-1", []byte(`{"type":"time_travel"}`))
	if disconnected != "" {
		t.Errorf("Unknown type caused disconnect of %q", disconnected)
	}
}

// TestDispatchMalformedDisconnects verifies protocol-level garbage drops
// the offending client.
func TestDispatchMalformedDisconnects(t *testing.T) {
	disconnected := ""
	d := NewDispatcher(Handlers{}, func(clientID string) {
		disconnected = clientID
	}, nil)

	d.Dispatch("c-1", []byte(`{not json`))
	if disconnected != "c-1" {
		t.Errorf("Expected c-1 disconnected, got %q", disconnected)
	}
}

// TestDispatchBrowserFamily verifies the browser_* prefix routes to the
// generic browser handler with its type preserved.
func TestDispatchBrowserFamily(t *testing.T) {
	gotType := ""
	d := NewDispatcher(Handlers{
		Browser: func(clientID string, cmd *protocol.BrowserCommand) {
			gotType = cmd.Type
		},
	}, nil, nil)

	d.Dispatch("c-1", []byte(`{"type":"browser_navigate","payload":{"url":"https://example.com"}}`))
	if gotType != "browser_navigate" {
		t.Errorf("Expected browser_navigate, got %q", gotType)
	}
}
