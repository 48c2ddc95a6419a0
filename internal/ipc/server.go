package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// sendTimeout bounds every client write so a stalled consumer cannot
// backpressure the broadcast path; a timed-out send drops that message
// for that client only.
const sendTimeout = time.Second

// CommandHandler dispatches one control command and returns its result
// payload. Errors become ERROR messages to the issuing client only.
type CommandHandler func(clientID uint64, action string, params json.RawMessage) (any, error)

type serverState int

const (
	stateUninitialized serverState = iota
	stateInitialized
	stateRunning
	stateStopped
)

var errNotInitialized = errors.New("ipc: server not initialized")

// Server owns the unix stream socket and the client table. Each accepted
// connection gets a monotonic id and a reader goroutine; writes to a
// connection are serialized by a per-client mutex. Broadcasts take a
// snapshot of the table so no lock is held during I/O.
type Server struct {
	log         *slog.Logger
	handler     CommandHandler
	onSubChange func()

	mu         sync.Mutex
	state      serverState
	path       string
	ln         net.Listener
	clients    map[uint64]*client
	nextClient uint64

	shutdown  atomic.Bool
	acceptWG  sync.WaitGroup
	readerWG  sync.WaitGroup
	nextMsgID atomic.Uint64

	sendFailures atomic.Uint64
}

type client struct {
	id         uint64
	conn       net.Conn
	subscribed atomic.Bool
	sendMu     sync.Mutex
}

func NewServer(handler CommandHandler, log *slog.Logger) *Server {
	return &Server{
		log:     log.With(slog.String("component", "ipc-server")),
		handler: handler,
		clients: make(map[uint64]*client),
	}
}

// SetSubscriptionCallback registers a hook fired whenever a client
// connects, disconnects, or flips its subscription flag.
func (s *Server) SetSubscriptionCallback(cb func()) {
	s.onSubChange = cb
}

// Initialize binds the socket at path. Any stale socket file is unlinked
// first and the new one is restricted to the owning user.
func (s *Server) Initialize(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUninitialized && s.state != stateStopped {
		return fmt.Errorf("ipc: server already initialized on %s", s.path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bind unix socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		os.Remove(path)
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.path = path
	s.ln = ln
	s.state = stateInitialized
	s.log.Info("ipc server listening", slog.String("socket", path))
	return nil
}

// Start spawns the accept loop. Idempotent.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return nil
	case stateInitialized:
	default:
		return errNotInitialized
	}

	s.shutdown.Store(false)
	s.acceptWG.Add(1)
	go s.acceptLoop(s.ln)
	s.state = stateRunning
	return nil
}

// Stop wakes the accept loop, closes every client, joins all reader
// goroutines, and removes the socket file. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state != stateRunning {
		if s.state == stateInitialized && s.ln != nil {
			s.ln.Close()
			os.Remove(s.path)
			s.state = stateStopped
		}
		s.mu.Unlock()
		return
	}
	s.shutdown.Store(true)
	ln := s.ln
	s.mu.Unlock()

	ln.Close()
	s.acceptWG.Wait()

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.readerWG.Wait()

	s.mu.Lock()
	s.clients = make(map[uint64]*client)
	s.state = stateStopped
	s.mu.Unlock()

	os.Remove(s.path)
	s.log.Info("ipc server stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.acceptWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.addClient(conn)
	}
}

// addClient registers the connection under a fresh monotonic id. SIGPIPE
// is already a non-issue: the Go runtime masks it for socket writes.
func (s *Server) addClient(conn net.Conn) {
	s.mu.Lock()
	s.nextClient++
	c := &client{id: s.nextClient, conn: conn}
	c.subscribed.Store(true)
	s.clients[c.id] = c
	s.mu.Unlock()

	s.log.Info("client connected", slog.Uint64("client_id", c.id))
	s.notifySubChange()

	s.readerWG.Add(1)
	go s.readLoop(c)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.conn.Close()
	if present {
		s.log.Info("client disconnected", slog.Uint64("client_id", c.id))
		s.notifySubChange()
	}
}

// readLoop decodes and dispatches messages until a framing error, EOF, or
// shutdown. Framing and envelope JSON errors are fatal for this client.
func (s *Server) readLoop(c *client) {
	defer s.readerWG.Done()
	defer s.removeClient(c)

	for !s.shutdown.Load() {
		env, err := ReadEnvelope(c.conn)
		if err != nil {
			if !s.shutdown.Load() && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("client read ended",
					slog.Uint64("client_id", c.id),
					slog.String("reason", err.Error()))
			}
			return
		}
		s.dispatch(c, env)
	}
}

func (s *Server) dispatch(c *client, env *Envelope) {
	switch env.Type {
	case TypeCommand:
		var cmd CommandData
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			s.sendTo(c, newErrorMessage(env.ID, "malformed command payload"))
			return
		}
		result, err := s.handler(c.id, cmd.Action, cmd.Params)
		if err != nil {
			s.sendTo(c, newErrorMessage(env.ID, err.Error()))
			return
		}
		ack, err := newAck(env.ID, result)
		if err != nil {
			s.sendTo(c, newErrorMessage(env.ID, "failed to encode result"))
			return
		}
		s.sendTo(c, ack)

	case TypeSubscribe:
		c.subscribed.Store(true)
		s.sendTo(c, newSubscriptionAck(env.ID, true))
		s.notifySubChange()

	case TypeUnsubscribe:
		c.subscribed.Store(false)
		s.sendTo(c, newSubscriptionAck(env.ID, false))
		s.notifySubChange()

	default:
		s.sendTo(c, newErrorMessage(env.ID, fmt.Sprintf("unexpected message type %d", env.Type)))
	}
}

// sendTo writes one framed message to a single client under its send
// mutex. Failures drop the message for that client; teardown stays with
// the reader noticing EOF.
func (s *Server) sendTo(c *client, env *Envelope) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	err := WriteEnvelope(c.conn, env)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		s.sendFailures.Add(1)
		if !s.shutdown.Load() {
			s.log.Warn("send failed",
				slog.Uint64("client_id", c.id),
				slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

// BroadcastTranscription serializes payload once and sends it to every
// subscribed client. Best effort: a failed send drops the message for
// that client only.
func (s *Server) BroadcastTranscription(payload any) error {
	return s.broadcast(TypeTranscription, payload)
}

// BroadcastStatus sends a STATUS message to every subscribed client.
func (s *Server) BroadcastStatus(payload any) error {
	return s.broadcast(TypeStatus, payload)
}

func (s *Server) broadcast(t MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast payload: %w", err)
	}
	env := &Envelope{
		Type: t,
		ID:   strconv.FormatUint(s.nextMsgID.Add(1), 10),
		Data: data,
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.subscribed.Load() {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.sendTo(c, env)
	}
	return nil
}

// ClientCount reports connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SendFailures counts messages dropped on per-client send errors.
func (s *Server) SendFailures() uint64 { return s.sendFailures.Load() }

func (s *Server) notifySubChange() {
	if s.onSubChange != nil {
		s.onSubChange()
	}
}
