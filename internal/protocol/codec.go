package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxMessageSize is the maximum encoded message size (256 KiB). Lines beyond
// this are protocol errors; the server disconnects clients that send them.
const MaxMessageSize = 256 * 1024

// ErrUnknownType marks a message whose type is not in the protocol's command
// set. The dispatcher ignores these for forward compatibility.
var ErrUnknownType = errors.New("unknown message type")

// Marshal encodes a message as a single JSON line, newline included.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}
	return append(data, '\n'), nil
}

// DecodeCommand parses one line into a typed command. The envelope's "type"
// field selects the concrete struct. Unknown types return ErrUnknownType;
// the browser_* family decodes generically.
func DecodeCommand(line []byte) (Command, error) {
	if len(line) > MaxMessageSize {
		return nil, fmt.Errorf("line size %d exceeds limit %d", len(line), MaxMessageSize)
	}

	var envelope CommandBase
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse message envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("message has no type field")
	}

	decode := func(v Command) (Command, error) {
		if err := json.Unmarshal(line, v); err != nil {
			return nil, fmt.Errorf("failed to decode %s command: %w", envelope.Type, err)
		}
		return v, nil
	}

	switch envelope.Type {
	case TypePause:
		return decode(&PauseCommand{})
	case TypeResume:
		return decode(&ResumeCommand{})
	case TypeStop:
		return decode(&StopCommand{})
	case TypeRequestSnapshot:
		return decode(&RequestSnapshotCommand{})
	case TypeTaskStart:
		return decode(&TaskStartCommand{})
	case TypeTaskReopen:
		return decode(&TaskReopenCommand{})
	case TypeTaskDone:
		return decode(&TaskDoneCommand{})
	case TypeTaskCreate:
		return decode(&TaskCreateCommand{})
	case TypeDependencyAdd:
		return decode(&DependencyAddCommand{})
	case TypeSetTaskReviewEnabled:
		return decode(&SetTaskReviewEnabledCommand{})
	case TypeReloadConfig:
		return decode(&ReloadConfigCommand{})
	case TypeRequestDoneTasks:
		return decode(&RequestDoneTasksCommand{})
	case TypeRequestBlockedTasks:
		return decode(&RequestBlockedTasksCommand{})
	case TypeRequestCompletedTasks:
		return decode(&RequestCompletedTasksCommand{})
	default:
		if strings.HasPrefix(envelope.Type, "browser_") {
			return decode(&BrowserCommand{})
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, envelope.Type)
	}
}

// Decoder reads newline-delimited JSON messages from a stream. Used by
// clients consuming server events.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder with the protocol's line size cap.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize)
	return &Decoder{scanner: scanner}
}

// Next returns the raw bytes of the next non-empty line, or io.EOF.
func (d *Decoder) Next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; copy before handing out.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// PeekType extracts the type discriminator from a raw message.
func PeekType(line []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return "", fmt.Errorf("failed to parse message envelope: %w", err)
	}
	return envelope.Type, nil
}
