package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"agentd/internal/daemon"
	"agentd/internal/protocol"
)

const controlTimeout = 5 * time.Second

// controlClient is a short-lived NDJSON connection used by the CLI
// subcommands to drive a running daemon.
type controlClient struct {
	conn net.Conn
	dec  *protocol.Decoder
}

// dialDaemon locates the daemon through its PID file and connects.
func dialDaemon(pidPath string) (*controlClient, error) {
	pf, err := daemon.ReadPIDFile(pidPath)
	if err != nil {
		return nil, fmt.Errorf("no running daemon found (read %s: %w)", pidPath, err)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", pf.Port), controlTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial daemon on port %d: %w", pf.Port, err)
	}
	return &controlClient{conn: conn, dec: protocol.NewDecoder(conn)}, nil
}

func (c *controlClient) Close() error {
	return c.conn.Close()
}

// Send writes one command to the daemon.
func (c *controlClient) Send(cmd any) error {
	data, err := protocol.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(controlTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// WaitFor reads events until one of the wanted type arrives and returns its
// raw bytes. The daemon greets with hello and other broadcast traffic may
// interleave, so everything else is skipped.
func (c *controlClient) WaitFor(eventType string) ([]byte, error) {
	deadline := time.Now().Add(controlTimeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		raw, err := c.dec.Next()
		if err != nil {
			return nil, fmt.Errorf("read daemon reply: %w", err)
		}
		t, err := protocol.PeekType(raw)
		if err != nil {
			continue
		}
		if t == eventType {
			return raw, nil
		}
	}
}

// sendSimple dials, sends one bare command, and hangs up.
func sendSimple(pidPath, commandType string) error {
	c, err := dialDaemon(pidPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Send(protocol.CommandBase{Type: commandType})
}

// fetchSnapshot dials and round-trips a snapshot request.
func fetchSnapshot(pidPath string) (*protocol.SnapshotEvent, error) {
	c, err := dialDaemon(pidPath)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := c.Send(protocol.RequestSnapshotCommand{
		CommandBase: protocol.CommandBase{Type: protocol.TypeRequestSnapshot},
	}); err != nil {
		return nil, err
	}

	raw, err := c.WaitFor(protocol.TypeSnapshot)
	if err != nil {
		return nil, err
	}
	var snap protocol.SnapshotEvent
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
