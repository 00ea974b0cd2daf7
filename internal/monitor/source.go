package monitor

import (
	"context"
	"time"

	"github.com/livechat-bridge/backend/internal/session"
)

// Upstream is the slice of the gateway an event source needs. It is
// satisfied by *upstream.Client.
type Upstream interface {
	// ReadSnapshot returns the session's current status, operator and the
	// messages after the given id.
	ReadSnapshot(ctx context.Context, sessionID, after int64) (session.Snapshot, error)

	// WaitForActivity blocks until the upstream signals new activity for the
	// session or its long-poll window elapses. last is the notification id
	// returned by the previous call.
	WaitForActivity(ctx context.Context, sessionID, last int64) (int64, bool, error)

	// SupportsLongPoll reports whether WaitForActivity can be used at all.
	SupportsLongPoll(ctx context.Context) bool
}

// pager is implemented by upstreams that cap messages per snapshot read.
type pager interface {
	PageSize() int
}

// Strategy produces snapshots for one session. Implementations are used
// from a single goroutine (the session's event source) and need not be safe
// for concurrent use.
type Strategy interface {
	// Name is a short identifier surfaced in logs and metrics.
	Name() string

	// Poll returns the next snapshot and how long to wait before calling
	// Poll again. cursor is the highest message id already evaluated.
	Poll(ctx context.Context, cursor int64) (session.Snapshot, time.Duration, error)
}
