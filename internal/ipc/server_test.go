package ipc

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T, maxBuffer int) *Server {
	t.Helper()
	s, err := Listen("127.0.0.1:0", maxBuffer, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dialTest(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// pollUntil keeps polling the server until cond is satisfied or the
// deadline passes.
func pollUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

// TestPollReportsJoinsAndMessages covers the loop-facing inbox contract.
func TestPollReportsJoinsAndMessages(t *testing.T) {
	s := newTestServer(t, 0)
	conn := dialTest(t, s)

	var clientID string
	pollUntil(t, func() bool {
		joined, _ := s.Poll()
		if len(joined) == 1 {
			clientID = joined[0]
			return true
		}
		return false
	})
	if clientID == "" {
		t.Fatal("Expected a joined client ID")
	}

	if _, err := conn.Write([]byte("{\"type\":\"pause\"}\n{\"type\":\"resume\"}\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var msgs []ClientMessage
	pollUntil(t, func() bool {
		_, m := s.Poll()
		msgs = append(msgs, m...)
		return len(msgs) >= 2
	})

	if msgs[0].ClientID != clientID || msgs[1].ClientID != clientID {
		t.Errorf("Messages attributed to wrong client: %+v", msgs)
	}
	if !bytes.Contains(msgs[0].Data, []byte("pause")) || !bytes.Contains(msgs[1].Data, []byte("resume")) {
		t.Errorf("Messages out of order or corrupted: %q %q", msgs[0].Data, msgs[1].Data)
	}

	// A second poll returns nothing; the inbox was drained.
	joined, m := s.Poll()
	if len(joined) != 0 || len(m) != 0 {
		t.Errorf("Expected empty poll, got joined=%v msgs=%v", joined, m)
	}
}

// TestBroadcastReachesAllClients verifies fan-out delivery.
func TestBroadcastReachesAllClients(t *testing.T) {
	s := newTestServer(t, 0)
	c1 := dialTest(t, s)
	c2 := dialTest(t, s)

	pollUntil(t, func() bool { return s.ClientCount() == 2 })

	s.Broadcast([]byte("{\"type\":\"hello\"}\n"))

	for i, conn := range []net.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("Client %d read failed: %v", i, err)
		}
		if !bytes.Contains([]byte(line), []byte("hello")) {
			t.Errorf("Client %d got %q", i, line)
		}
	}
}

// TestSendToTargetsOneClient verifies unicast does not leak to others.
func TestSendToTargetsOneClient(t *testing.T) {
	s := newTestServer(t, 0)
	c1 := dialTest(t, s)
	c2 := dialTest(t, s)

	var ids []string
	pollUntil(t, func() bool {
		joined, _ := s.Poll()
		ids = append(ids, joined...)
		return len(ids) == 2
	})

	s.SendTo(ids[0], []byte("{\"type\":\"snapshot\"}\n"))

	// First-joined client receives it.
	c1.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := bufio.NewReader(c1).ReadString('\n'); err != nil {
		t.Fatalf("Targeted client read failed: %v", err)
	}

	// The other client gets nothing.
	c2.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, err := bufio.NewReader(c2).ReadString('\n'); err == nil {
		t.Error("Untargeted client should not receive the message")
	}

	// Unknown IDs are a silent no-op.
	s.SendTo("ghost", []byte("x\n"))
}

// TestBufferCeilingDisconnectsStalledClient is the backpressure contract: a
// client that stops draining its socket is dropped, not buffered forever.
func TestBufferCeilingDisconnectsStalledClient(t *testing.T) {
	s := newTestServer(t, 64)
	dialTest(t, s) // Never reads

	pollUntil(t, func() bool { return s.ClientCount() == 1 })

	// A payload that alone exceeds the ceiling trips the disconnect on the
	// first enqueue, independent of how much the OS socket buffer soaks up.
	payload := bytes.Repeat([]byte("x"), 128)
	payload = append(payload, '\n')
	s.Broadcast(payload)

	pollUntil(t, func() bool { return s.ClientCount() == 0 })
}

// TestDisconnectIsIdempotent verifies double disconnects are safe.
func TestDisconnectIsIdempotent(t *testing.T) {
	s := newTestServer(t, 0)
	dialTest(t, s)

	var clientID string
	pollUntil(t, func() bool {
		joined, _ := s.Poll()
		if len(joined) == 1 {
			clientID = joined[0]
			return true
		}
		return false
	})

	s.Disconnect(clientID)
	s.Disconnect(clientID) // Must not panic or double-close
	if s.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", s.ClientCount())
	}
}

// TestConcurrentBroadcastAndDisconnect hammers enqueue against disconnect.
// The wake channel is closed under the per-client lock, so a broadcast
// racing a disconnect must never panic on a closed channel.
func TestConcurrentBroadcastAndDisconnect(t *testing.T) {
	s := newTestServer(t, 0)

	for round := 0; round < 20; round++ {
		dialTest(t, s)

		var clientID string
		pollUntil(t, func() bool {
			joined, _ := s.Poll()
			if len(joined) == 1 {
				clientID = joined[0]
				return true
			}
			return false
		})

		done := make(chan struct{})
		go func() {
			for i := 0; i < 50; i++ {
				s.Broadcast([]byte("{\"type\":\"hello\"}\n"))
			}
			close(done)
		}()
		s.Disconnect(clientID)
		<-done

		pollUntil(t, func() bool { return s.ClientCount() == 0 })
	}
}
