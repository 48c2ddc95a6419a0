package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoHandler(_ uint64, action string, params json.RawMessage) (any, error) {
	if action == "boom" {
		return nil, errors.New("handler failure")
	}
	return map[string]any{"action": action, "params": string(params)}, nil
}

func startServer(t *testing.T, handler CommandHandler) (*Server, string) {
	t.Helper()
	if handler == nil {
		handler = echoHandler
	}
	path := filepath.Join(t.TempDir(), "murmur.sock")
	s := NewServer(handler, testLogger())
	if err := s.Initialize(path); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, path
}

type testClient struct {
	conn net.Conn
}

func dial(t *testing.T, path string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn}
}

func (c *testClient) send(t *testing.T, env *Envelope) {
	t.Helper()
	if err := WriteEnvelope(c.conn, env); err != nil {
		t.Fatalf("client send: %v", err)
	}
}

func (c *testClient) recv(t *testing.T) *Envelope {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := ReadEnvelope(c.conn)
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	return env
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (now %d)", n, s.ClientCount())
}

func TestSocketPermissions(t *testing.T) {
	_, path := startServer(t, nil)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket mode = %o, want 600", perm)
	}
}

func TestCommandAckAndError(t *testing.T) {
	_, path := startServer(t, nil)
	c := dial(t, path)

	cmd, _ := json.Marshal(CommandData{Action: "get_status", Params: json.RawMessage(`{}`)})
	c.send(t, &Envelope{Type: TypeCommand, ID: "a1", Data: cmd})
	ack := c.recv(t)
	if ack.Type != TypeAck || ack.ID != "a1" {
		t.Fatalf("expected ACK echoing id, got %+v", ack)
	}

	boom, _ := json.Marshal(CommandData{Action: "boom"})
	c.send(t, &Envelope{Type: TypeCommand, ID: "a2", Data: boom})
	errMsg := c.recv(t)
	if errMsg.Type != TypeError || errMsg.ID != "a2" {
		t.Fatalf("expected ERROR echoing id, got %+v", errMsg)
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(errMsg.Data, &payload); err != nil || payload.Message == "" {
		t.Fatalf("error payload missing message: %s", errMsg.Data)
	}
}

func TestSubscribeReceiveUnsubscribe(t *testing.T) {
	s, path := startServer(t, nil)

	sub := dial(t, path)
	sub.send(t, &Envelope{Type: TypeSubscribe, ID: "s"})
	ack := sub.recv(t)
	var flag struct {
		Subscribed bool `json:"subscribed"`
	}
	if err := json.Unmarshal(ack.Data, &flag); err != nil || !flag.Subscribed {
		t.Fatalf("expected subscribed ack, got %s", ack.Data)
	}

	unsub := dial(t, path)
	unsub.send(t, &Envelope{Type: TypeUnsubscribe, ID: "u"})
	unsub.recv(t) // ack

	waitForClients(t, s, 2)
	if err := s.BroadcastTranscription(map[string]any{"text": "hello world"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	msg := sub.recv(t)
	if msg.Type != TypeTranscription {
		t.Fatalf("subscriber got type %d", msg.Type)
	}

	// The unsubscribed client sees nothing.
	unsub.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if env, err := ReadEnvelope(unsub.conn); err == nil {
		t.Fatalf("unsubscribed client received %+v", env)
	}
}

func TestTwoSubscribersSeeSameMessage(t *testing.T) {
	s, path := startServer(t, nil)
	a := dial(t, path)
	b := dial(t, path)
	waitForClients(t, s, 2)

	if err := s.BroadcastTranscription(map[string]any{"text": "shared"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	ma := a.recv(t)
	mb := b.recv(t)
	if ma.ID != mb.ID {
		t.Fatalf("broadcast ids differ: %s vs %s", ma.ID, mb.ID)
	}
	if string(ma.Data) != string(mb.Data) {
		t.Fatalf("broadcast payloads differ")
	}
}

func TestBroadcastOrderingPerClient(t *testing.T) {
	s, path := startServer(t, nil)
	c := dial(t, path)
	waitForClients(t, s, 1)

	for i := 0; i < 20; i++ {
		if err := s.BroadcastTranscription(map[string]int{"seq": i}); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}
	for i := 0; i < 20; i++ {
		env := c.recv(t)
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Seq != i {
			t.Fatalf("out of order: got %d want %d", payload.Seq, i)
		}
	}
}

func TestMalformedFrameClosesOnlyThatClient(t *testing.T) {
	s, path := startServer(t, nil)
	healthy := dial(t, path)
	bad := dial(t, path)
	waitForClients(t, s, 2)

	// A 2 GiB length prefix is a fatal framing error for this client.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 2<<30)
	if _, err := bad.conn.Write(header[:]); err != nil {
		t.Fatalf("write bogus header: %v", err)
	}

	waitForClients(t, s, 1)

	// The healthy subscriber is unaffected.
	if err := s.BroadcastTranscription(map[string]string{"text": "still fine"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	env := healthy.recv(t)
	if env.Type != TypeTranscription {
		t.Fatalf("healthy client got type %d", env.Type)
	}
}

func TestClientIDsMonotonic(t *testing.T) {
	var seen []uint64
	handler := func(clientID uint64, _ string, _ json.RawMessage) (any, error) {
		seen = append(seen, clientID)
		return map[string]bool{"ok": true}, nil
	}
	_, path := startServer(t, handler)

	for i := 0; i < 3; i++ {
		c := dial(t, path)
		cmd, _ := json.Marshal(CommandData{Action: "ping"})
		c.send(t, &Envelope{Type: TypeCommand, ID: fmt.Sprintf("c%d", i), Data: cmd})
		c.recv(t)
		c.conn.Close()
	}

	if len(seen) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(seen))
	}
	if seen[0] != 1 || seen[1] <= seen[0] || seen[2] <= seen[1] {
		t.Fatalf("client ids not monotonic from 1: %v", seen)
	}
}

func TestStopRemovesSocketAndIsIdempotent(t *testing.T) {
	s, path := startServer(t, nil)
	s.Stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket file still present after stop")
	}
	s.Stop() // second stop is a no-op
}

func TestStartIdempotent(t *testing.T) {
	s, _ := startServer(t, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
}
