package monitor

import (
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// sourceHealth tracks consecutive poll failures for one event source.
// The poll goroutine writes it while the health endpoint reads it, so
// fields are protected by mu.
type sourceHealth struct {
	mu        sync.Mutex
	failures  int
	strategy  string
	lastErr   string
	lastFail  time.Time
	lastPoll  time.Time
	startedAt time.Time
}

func newSourceHealth(strategy string) *sourceHealth {
	return &sourceHealth{strategy: strategy, startedAt: time.Now()}
}

func (h *sourceHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastPoll = time.Now()
}

// recordFailure returns the new consecutive failure count.
func (h *sourceHealth) recordFailure(err error) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
	return h.failures
}

// statusLocked computes health status. Caller must hold h.mu. A source is
// failed once its failures exceed threshold; the next poll ends it.
func (h *sourceHealth) statusLocked(threshold int) HealthStatus {
	switch {
	case h.failures > threshold:
		return StatusFailed
	case h.failures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *sourceHealth) status(threshold int) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}

func (h *sourceHealth) exhausted(threshold int) bool {
	return h.status(threshold) == StatusFailed
}

// SourceReport is a point-in-time view of one running event source.
type SourceReport struct {
	SessionID int64        `json:"sessionId"`
	Strategy  string       `json:"strategy"`
	Status    HealthStatus `json:"status"`
	Failures  int          `json:"failures"`
	LastError string       `json:"lastError,omitempty"`
	LastPoll  time.Time    `json:"lastPoll"`
	StartedAt time.Time    `json:"startedAt"`
}

// snapshot returns a consistent copy of all health fields under the lock.
func (h *sourceHealth) snapshot(sessionID int64, threshold int) SourceReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SourceReport{
		SessionID: sessionID,
		Strategy:  h.strategy,
		Status:    h.statusLocked(threshold),
		Failures:  h.failures,
		LastError: h.lastErr,
		LastPoll:  h.lastPoll,
		StartedAt: h.startedAt,
	}
}
