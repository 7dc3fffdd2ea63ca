package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// TestMarshalAppendsNewline pins the one-line-per-message framing.
func TestMarshalAppendsNewline(t *testing.T) {
	data, err := Marshal(PauseCommand{CommandBase: CommandBase{Type: TypePause}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Errorf("Encoded message missing trailing newline: %q", data)
	}
	if bytes.Count(data, []byte("\n")) != 1 {
		t.Errorf("Encoded message contains embedded newlines: %q", data)
	}
}

// TestMarshalRejectsOversized enforces the message size cap on the way out.
func TestMarshalRejectsOversized(t *testing.T) {
	huge := TaskCreateCommand{
		CommandBase:  CommandBase{Type: TypeTaskCreate},
		Title:        "big",
		Instructions: strings.Repeat("x", MaxMessageSize),
	}
	if _, err := Marshal(huge); err == nil {
		t.Error("Expected oversized message to be rejected")
	}
}

// TestDecodeCommandTypes verifies the discriminator selects the right
// concrete type and fields decode.
func TestDecodeCommandTypes(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"task_done","task_id":"t-1","reason":"manual","request_id":"req-7"}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	done, ok := cmd.(*TaskDoneCommand)
	if !ok {
		t.Fatalf("Expected *TaskDoneCommand, got %T", cmd)
	}
	if done.TaskIDField != "t-1" || done.Reason != "manual" {
		t.Errorf("Fields decoded wrong: %+v", done)
	}
	if done.CommandRequestID() != "req-7" {
		t.Errorf("Expected request id req-7, got %q", done.CommandRequestID())
	}

	cmd, err = DecodeCommand([]byte(`{"type":"stop","mode":"force"}`))
	if err != nil {
		t.Fatalf("DecodeCommand stop failed: %v", err)
	}
	if stop := cmd.(*StopCommand); stop.Mode != StopForce {
		t.Errorf("Expected force mode, got %q", stop.Mode)
	}
}

// TestDecodeCommandUnknownType verifies the sentinel for forward
// compatibility.
func TestDecodeCommandUnknownType(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"defragment"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}
}

// TestDecodeCommandErrors covers envelope-level failures that are NOT
// unknown-type (they should disconnect the client instead).
func TestDecodeCommandErrors(t *testing.T) {
	for _, raw := range []string{`{broken`, `{}`, `"just a string"`} {
		_, err := DecodeCommand([]byte(raw))
		if err == nil {
			t.Errorf("Expected error for %q", raw)
			continue
		}
		if errors.Is(err, ErrUnknownType) {
			t.Errorf("Malformed input %q must not classify as unknown type", raw)
		}
	}
}

// TestDecodeBrowserFamily verifies any browser_-prefixed type decodes
// generically with the concrete type preserved.
func TestDecodeBrowserFamily(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"browser_click","payload":{"selector":"#go"}}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	bc, ok := cmd.(*BrowserCommand)
	if !ok {
		t.Fatalf("Expected *BrowserCommand, got %T", cmd)
	}
	if bc.CommandType() != "browser_click" {
		t.Errorf("Expected type browser_click, got %q", bc.CommandType())
	}
	if bc.Payload["selector"] != "#go" {
		t.Errorf("Payload not decoded: %v", bc.Payload)
	}
}

// TestDecoderStreamsLines verifies the client-side NDJSON reader.
func TestDecoderStreamsLines(t *testing.T) {
	input := "{\"type\":\"hello\"}\n\n{\"type\":\"snapshot\"}\n"
	dec := NewDecoder(strings.NewReader(input))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("First Next failed: %v", err)
	}
	if typ, _ := PeekType(first); typ != TypeHello {
		t.Errorf("Expected hello, got %q", typ)
	}

	// The empty line between messages is skipped.
	second, err := dec.Next()
	if err != nil {
		t.Fatalf("Second Next failed: %v", err)
	}
	if typ, _ := PeekType(second); typ != TypeSnapshot {
		t.Errorf("Expected snapshot, got %q", typ)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("Expected io.EOF at stream end, got %v", err)
	}
}
