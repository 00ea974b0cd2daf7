package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/livechat-bridge/backend/internal/metrics"
	"github.com/livechat-bridge/backend/internal/session"
)

// longPoll blocks on the upstream's notification endpoint and reads a
// snapshot whenever it returns. A failed wait switches to the short-poll
// fallback for cooldown before long-poll is tried again.
type longPoll struct {
	upstream  Upstream
	sessionID int64
	fallback  *shortPoll
	cooldown  time.Duration
	pageSize  int // 0 when unknown: any new message may mean more
	logger    *slog.Logger
	now       func() time.Time

	primed        bool
	more          bool // last read filled a page
	busLast       int64
	degradedUntil time.Time
}

func newLongPoll(up Upstream, sessionID int64, fallback *shortPoll, cooldown time.Duration, logger *slog.Logger) *longPoll {
	l := &longPoll{
		upstream:  up,
		sessionID: sessionID,
		fallback:  fallback,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
	if p, ok := up.(pager); ok {
		l.pageSize = p.PageSize()
	}
	return l
}

func (l *longPoll) Name() string { return "long" }

func (l *longPoll) Poll(ctx context.Context, cursor int64) (session.Snapshot, time.Duration, error) {
	// The first poll reads state immediately so a new connection sees the
	// current status without waiting for activity.
	if !l.primed {
		l.primed = true
		return l.read(ctx, cursor)
	}
	// Messages left behind a full page are read without waiting for the bus.
	if l.more {
		return l.read(ctx, cursor)
	}

	if l.now().Before(l.degradedUntil) {
		return l.fallback.Poll(ctx, cursor)
	}

	last, _, err := l.upstream.WaitForActivity(ctx, l.sessionID, l.busLast)
	if err != nil {
		if ctx.Err() != nil {
			return session.Snapshot{}, 0, ctx.Err()
		}
		metrics.PollFailures.WithLabelValues(l.Name()).Inc()
		l.degradedUntil = l.now().Add(l.cooldown)
		l.logger.Warn("long-poll failed, falling back to short-poll",
			"cooldown", l.cooldown, "error", err)
		return l.fallback.Poll(ctx, cursor)
	}
	l.busLast = last

	// Timeouts re-issue immediately; the snapshot read also catches status
	// changes the notification bus does not carry.
	return l.read(ctx, cursor)
}

func (l *longPoll) read(ctx context.Context, cursor int64) (session.Snapshot, time.Duration, error) {
	snap, err := l.upstream.ReadSnapshot(ctx, l.sessionID, cursor)
	l.more = err == nil && l.fullPage(snap, cursor)
	return snap, 0, err
}

func (l *longPoll) fullPage(snap session.Snapshot, cursor int64) bool {
	fresh := 0
	for _, m := range snap.Messages {
		if m.ID > cursor {
			fresh++
		}
	}
	if l.pageSize > 0 {
		return fresh >= l.pageSize
	}
	return fresh > 0
}
