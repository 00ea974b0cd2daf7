package monitor

import (
	"context"
	"time"

	"github.com/livechat-bridge/backend/internal/session"
)

// shortPoll reads a snapshot on a fixed interval. interval is consulted on
// every poll so config reloads apply to running sources.
type shortPoll struct {
	upstream  Upstream
	sessionID int64
	interval  func() time.Duration
}

func newShortPoll(up Upstream, sessionID int64, interval func() time.Duration) *shortPoll {
	return &shortPoll{upstream: up, sessionID: sessionID, interval: interval}
}

func (s *shortPoll) Name() string { return "short" }

func (s *shortPoll) Poll(ctx context.Context, cursor int64) (session.Snapshot, time.Duration, error) {
	snap, err := s.upstream.ReadSnapshot(ctx, s.sessionID, cursor)
	return snap, s.interval(), err
}
