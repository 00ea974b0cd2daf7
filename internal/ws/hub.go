package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livechat-bridge/backend/internal/metrics"
	"github.com/livechat-bridge/backend/internal/session"
)

var (
	ErrTooManyConnections = errors.New("too many live sessions")
	ErrHubClosed          = errors.New("hub closed")
)

// Runner runs the event source of one session until it ends or ctx is
// canceled. It is satisfied by *monitor.Poller.
type Runner interface {
	Run(ctx context.Context, sessionID, cursor int64, emit func(session.Event)) error
}

type HubOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// MaxSessions caps concurrently connected sessions. Zero means no cap.
	MaxSessions int
	Logger      *slog.Logger
}

// entry is the presence record of a connected session: its current
// connection and the handle of its event source.
type entry struct {
	client *client
	cancel context.CancelFunc
	done   chan struct{}
}

// Hub owns one connection and at most one event source per session.
type Hub struct {
	runner Runner
	opts   HubOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[int64]*entry
	// stopping holds the done channel of a canceled source that may still be
	// unwinding, so a reconnect never overlaps it.
	stopping map[int64]chan struct{}
	closed   bool
}

func NewHub(runner Runner, opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		runner:   runner,
		opts:     opts,
		logger:   opts.Logger.With("component", "hub"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[int64]*entry),
		stopping: make(map[int64]chan struct{}),
	}
}

// Connect registers conn as the session's connection and starts its event
// source if none is running. A previous connection is closed and replaced;
// the running source and its cursor are kept, so cursor only seeds a new
// source.
func (h *Hub) Connect(sessionID, cursor int64, conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	e, ok := h.sessions[sessionID]
	if !ok && h.opts.MaxSessions > 0 && len(h.sessions) >= h.opts.MaxSessions {
		return nil, ErrTooManyConnections
	}

	c := newClient(h, sessionID, conn)
	if ok {
		old := e.client
		e.client = c
		old.close()
		h.logger.Info("connection replaced", "session", sessionID, "conn", c.id, "previous", old.id)
		return c, nil
	}

	ctx, cancel := context.WithCancel(h.ctx)
	e = &entry{client: c, cancel: cancel, done: make(chan struct{})}
	h.sessions[sessionID] = e
	prev := h.stopping[sessionID]

	h.wg.Add(1)
	go h.run(ctx, sessionID, cursor, e, prev)
	h.logger.Info("session connected", "session", sessionID, "conn", c.id, "cursor", cursor)
	return c, nil
}

func (h *Hub) run(ctx context.Context, sessionID, cursor int64, e *entry, prev chan struct{}) {
	defer h.wg.Done()
	defer h.finish(sessionID, e)

	// e.done closes only after prev has, even when canceled while waiting.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			<-prev
			return
		}
	}

	err := h.runner.Run(ctx, sessionID, cursor, func(ev session.Event) {
		h.Dispatch(sessionID, ev)
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Warn("event source stopped", "session", sessionID, "error", err)
	}
}

// finish clears the presence entry of a source that ended on its own and
// closes its connection once the final frames are flushed.
func (h *Hub) finish(sessionID int64, e *entry) {
	h.mu.Lock()
	ended := h.sessions[sessionID] == e
	if ended {
		delete(h.sessions, sessionID)
	}
	if h.stopping[sessionID] == e.done {
		delete(h.stopping, sessionID)
	}
	h.mu.Unlock()

	close(e.done)
	e.cancel()
	if ended {
		e.client.close()
		h.logger.Info("session finished", "session", sessionID)
	}
}

// Disconnect closes the session's connection and cancels its event source.
// It is a no-op for unknown sessions.
func (h *Hub) Disconnect(sessionID int64) {
	h.mu.Lock()
	e, ok := h.sessions[sessionID]
	if ok {
		h.detach(sessionID, e)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Info("session disconnected", "session", sessionID)
	}
}

// Release disconnects the session only while c is still its current
// connection. Readers and writers of replaced connections call it safely.
func (h *Hub) Release(sessionID int64, c *client) {
	h.mu.Lock()
	e, ok := h.sessions[sessionID]
	current := ok && e.client == c
	if current {
		h.detach(sessionID, e)
	}
	h.mu.Unlock()

	if !current {
		c.close()
		return
	}
	h.logger.Info("connection released", "session", sessionID, "conn", c.id)
}

// detach must be called with h.mu held.
func (h *Hub) detach(sessionID int64, e *entry) {
	delete(h.sessions, sessionID)
	h.stopping[sessionID] = e.done
	e.cancel()
	e.client.close()
}

// Dispatch forwards ev to the session's connection. Events for sessions
// without a connection are dropped, and a connection that cannot keep up is
// disconnected.
func (h *Hub) Dispatch(sessionID int64, ev session.Event) {
	data, err := json.Marshal(EventMessage(ev))
	if err != nil {
		h.logger.Error("marshal event", "session", sessionID, "error", err)
		return
	}

	h.mu.Lock()
	var c *client
	if e, ok := h.sessions[sessionID]; ok {
		c = e.client
	}
	h.mu.Unlock()

	if c == nil {
		metrics.EventsDropped.WithLabelValues("no_connection").Inc()
		h.logger.Debug("event dropped", "session", sessionID, "type", ev.Kind)
		return
	}
	if h.deliver(c, data) {
		metrics.EventsDispatched.WithLabelValues(ev.Kind.String()).Inc()
	}
}

// Reply queues msg on a single connection, e.g. a pong.
func (h *Hub) Reply(c *client, msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return h.deliver(c, data)
}

func (h *Hub) deliver(c *client, data []byte) bool {
	switch c.trySend(data) {
	case sendOK:
		return true
	case sendFull:
		metrics.EventsDropped.WithLabelValues("slow_client").Inc()
		h.logger.Warn("ws client too slow, disconnecting", "session", c.sessionID, "conn", c.id)
		h.Release(c.sessionID, c)
	default:
		metrics.EventsDropped.WithLabelValues("closed").Inc()
	}
	return false
}

// Close disconnects every session and waits for their event sources to
// exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, e := range h.sessions {
		h.detach(id, e)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Connected reports whether the session has a live connection.
func (h *Hub) Connected(sessionID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[sessionID]
	return ok
}
