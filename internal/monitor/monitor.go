// Package monitor runs the per-session event sources: a poll loop that turns
// upstream snapshots into an ordered, deduplicated stream of session events.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/livechat-bridge/backend/internal/config"
	"github.com/livechat-bridge/backend/internal/metrics"
	"github.com/livechat-bridge/backend/internal/session"
	"github.com/livechat-bridge/backend/internal/upstream"
)

// ErrBridgeExhausted is returned by Run when consecutive poll failures
// exceeded the configured threshold. The session's last event is then a
// session_ended with reason bridge_unavailable.
var ErrBridgeExhausted = errors.New("monitor: upstream unavailable, poll failures exhausted")

// Poller starts event sources against one upstream. It holds no per-session
// state beyond health reporting; each Run call owns its session's cursor.
type Poller struct {
	mu       sync.RWMutex // protects cfg, health, reloaded
	cfg      config.BridgeConfig
	reloaded chan struct{} // closed and replaced by SetConfig
	upstream Upstream
	store    *session.Store
	logger   *slog.Logger
	health   map[int64]*sourceHealth
	now      func() time.Time
}

func NewPoller(cfg config.BridgeConfig, up Upstream, store *session.Store, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:      cfg,
		reloaded: make(chan struct{}),
		upstream: up,
		store:    store,
		logger:   logger.With("component", "monitor"),
		health:   make(map[int64]*sourceHealth),
		now:      time.Now,
	}
}

// SetConfig replaces the poll settings. Sleeping sources wake up and poll
// with the new interval and failure threshold; the strategy chosen at start
// is kept.
func (p *Poller) SetConfig(cfg config.BridgeConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	close(p.reloaded)
	p.reloaded = make(chan struct{})
}

func (p *Poller) reloadSignal() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reloaded
}

func (p *Poller) config() config.BridgeConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Poller) pollInterval() time.Duration {
	return p.config().PollInterval
}

func (p *Poller) strategyFor(ctx context.Context, sessionID int64, cfg config.BridgeConfig) Strategy {
	short := newShortPoll(p.upstream, sessionID, p.pollInterval)
	if cfg.LongPoll && p.upstream.SupportsLongPoll(ctx) {
		return newLongPoll(p.upstream, sessionID, short, cfg.LongPollCooldown, p.logger.With("session", sessionID))
	}
	return short
}

// Run is the event source for one session. It polls until the session ends,
// ctx is canceled, or the upstream is exhausted, calling emit for every
// derived event in order. cursor seeds the message cursor so a reconnecting
// client is not sent history it already rendered.
//
// Run returns nil when the session ended normally, ctx.Err() on
// cancellation, ErrBridgeExhausted after too many failures, or the
// *upstream.Error that rejected a poll. In the last two cases a terminal
// event has already been emitted.
func (p *Poller) Run(ctx context.Context, sessionID, cursor int64, emit func(session.Event)) error {
	cfg := p.config()
	strategy := p.strategyFor(ctx, sessionID, cfg)
	logger := p.logger.With("session", sessionID, "strategy", strategy.Name())

	h := newSourceHealth(strategy.Name())
	p.track(sessionID, h)
	defer p.untrack(sessionID, h)

	metrics.EventSources.Inc()
	defer metrics.EventSources.Dec()

	state := session.NewState(sessionID, cursor)
	state.UpdatedAt = p.now()
	owner := p.store.Claim(state)
	defer p.store.Release(sessionID, owner)

	logger.Info("event source started", "cursor", cursor)

	for {
		snap, wait, err := strategy.Poll(ctx, state.Cursor)
		if ctx.Err() != nil {
			logger.Debug("event source stopped")
			return ctx.Err()
		}
		cfg = p.config()

		if err != nil {
			if upstream.IsRejected(err) {
				logger.Error("upstream rejected poll, ending session", "error", err)
				p.finish(owner, state, session.EndRejected, emit)
				return err
			}
			n := h.recordFailure(err)
			metrics.PollFailures.WithLabelValues(strategy.Name()).Inc()
			if h.exhausted(cfg.FailureThreshold) {
				logger.Error("event source exhausted", "failures", n, "error", err)
				p.finish(owner, state, session.EndExhausted, emit)
				return ErrBridgeExhausted
			}
			logger.Warn("poll failed", "failures", n, "error", err)
			if !sleep(ctx, cfg.PollInterval, p.reloadSignal()) {
				return ctx.Err()
			}
			continue
		}
		h.recordSuccess()

		next, events := session.Reduce(state, snap)
		next.UpdatedAt = p.now()
		state = next
		p.store.Update(owner, state)

		for _, ev := range events {
			if ev.Kind == session.EventEnded {
				metrics.SessionsEnded.WithLabelValues(string(ev.Reason)).Inc()
			}
			emit(ev)
		}
		if state.IsTerminal() {
			logger.Info("session ended", "cursor", state.Cursor)
			return nil
		}
		if wait > 0 && !sleep(ctx, wait, p.reloadSignal()) {
			return ctx.Err()
		}
	}
}

// finish forces the session to Ended and emits the synthetic terminal event.
func (p *Poller) finish(owner session.Owner, state session.State, reason session.EndReason, emit func(session.Event)) {
	now := p.now()
	state.Lifecycle = session.Ended
	state.OperatorPresent = false
	state.UpdatedAt = now
	state.EndedAt = &now
	p.store.Update(owner, state)
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	emit(session.EndedEvent(state.ID, reason))
}

func (p *Poller) track(sessionID int64, h *sourceHealth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[sessionID] = h
}

func (p *Poller) untrack(sessionID int64, h *sourceHealth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.health[sessionID] == h {
		delete(p.health, sessionID)
	}
}

// State returns the live state published by the session's running event
// source.
func (p *Poller) State(sessionID int64) (session.State, bool) {
	return p.store.Get(sessionID)
}

// States returns the live state of every running event source.
func (p *Poller) States() []session.State {
	return p.store.GetAll()
}

// ActiveCount returns how many running sources track an open conversation.
func (p *Poller) ActiveCount() int {
	return p.store.ActiveCount()
}

// Reports returns the health of every running event source, sorted by
// session id.
func (p *Poller) Reports() []SourceReport {
	p.mu.RLock()
	threshold := p.cfg.FailureThreshold
	out := make([]SourceReport, 0, len(p.health))
	for id, h := range p.health {
		out = append(out, h.snapshot(id, threshold))
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// sleep waits for d, a config reload, or ctx. It reports false only when
// ctx is done.
func sleep(ctx context.Context, d time.Duration, reload <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-reload:
		return true
	case <-t.C:
		return true
	}
}
