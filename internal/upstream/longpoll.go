package upstream

import (
	"context"
	"errors"
	"time"
)

const (
	longPollUnknown int32 = iota
	longPollSupported
	longPollUnsupported
)

type busPollParams struct {
	Channels []any          `json:"channels"`
	Last     int64          `json:"last"`
	Options  map[string]any `json:"options"`
}

func (c *Client) busChannel(sessionID int64) []any {
	return []any{c.cfg.Database, "discuss.channel", sessionID}
}

// SupportsLongPoll reports whether the upstream exposes a blocking
// notification endpoint. A definitive answer is cached; probe failures are
// not, so a flaky start does not disable long-poll for good.
func (c *Client) SupportsLongPoll(ctx context.Context) bool {
	switch c.longPoll.Load() {
	case longPollSupported:
		return true
	case longPollUnsupported:
		return false
	}

	if _, err := c.Authenticate(ctx); err != nil {
		c.logger.Debug("long-poll probe skipped", "error", err)
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	err := c.withAuth(probeCtx, func(Credential) error {
		return c.post(probeCtx, epLongPoll, c.cfg.ProbeTimeout, busPollParams{Channels: []any{}, Options: map[string]any{}}, nil)
	})

	var upErr *Error
	switch {
	case err == nil, errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Either an immediate answer or the server held the request open.
		c.longPoll.Store(longPollSupported)
		c.logger.Info("long-poll endpoint available")
		return true
	case errors.As(err, &upErr) && upErr.Kind == KindRejected:
		c.longPoll.Store(longPollUnsupported)
		c.logger.Info("long-poll endpoint unavailable, using short-poll", "error", err)
		return false
	}
	c.logger.Debug("long-poll probe inconclusive", "error", err)
	return false
}

// WaitForActivity blocks until the upstream reports a notification for the
// session after last, or the long-poll window elapses. It returns the
// highest notification id seen and whether anything arrived. Failures are
// not retried here: the caller falls back to short-poll instead.
func (c *Client) WaitForActivity(ctx context.Context, sessionID, last int64) (int64, bool, error) {
	params := busPollParams{
		Channels: []any{c.busChannel(sessionID)},
		Last:     last,
		Options:  map[string]any{},
	}
	var notes []busNotification
	err := c.withAuth(ctx, func(Credential) error {
		notes = nil
		return c.post(ctx, epLongPoll, c.cfg.LongPollTimeout+10*time.Second, params, &notes)
	})
	if err != nil {
		return last, false, err
	}
	maxID := last
	for _, n := range notes {
		if n.ID > maxID {
			maxID = n.ID
		}
	}
	return maxID, len(notes) > 0, nil
}
