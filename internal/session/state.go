package session

import (
	"encoding/json"
	"time"
)

type Lifecycle int

const (
	Created Lifecycle = iota
	Active
	AgentLeft
	Ended
)

var lifecycleNames = map[Lifecycle]string{
	Created:   "created",
	Active:    "active",
	AgentLeft: "agent_left",
	Ended:     "ended",
}

var lifecycleFromName = map[string]Lifecycle{
	"created":    Created,
	"active":     Active,
	"agent_left": AgentLeft,
	"ended":      Ended,
}

func (l Lifecycle) String() string {
	if s, ok := lifecycleNames[l]; ok {
		return s
	}
	return "unknown"
}

func (l Lifecycle) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Lifecycle) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := lifecycleFromName[s]; ok {
		*l = v
	}
	return nil
}

// State is the bridge's inferred view of one upstream conversation. It is
// owned by a single EventSource and only ever replaced through Reduce.
type State struct {
	ID              int64     `json:"id"`
	Lifecycle       Lifecycle `json:"lifecycle"`
	OperatorPresent bool      `json:"operatorPresent"`
	OperatorName    string    `json:"operatorName,omitempty"`
	// Joined records that AgentJoined was already emitted for this session.
	Joined bool `json:"joined"`
	// Cursor is the highest upstream message id already evaluated. It never
	// decreases.
	Cursor    int64      `json:"cursor"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// NewState returns the Created state for a session. A non-zero cursor skips
// messages the client has already rendered.
func NewState(id, cursor int64) State {
	return State{ID: id, Lifecycle: Created, Cursor: cursor}
}

func (s State) IsTerminal() bool {
	return s.Lifecycle == Ended
}

// IsActive reports whether the conversation is still open. AgentLeft counts
// as active: the operator may come back before the upstream closes it.
func (s State) IsActive() bool {
	return s.Lifecycle == Active || s.Lifecycle == AgentLeft
}

// Status values reported by the upstream for a channel.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusNotFound = "not_found"
)

// Snapshot is one point-in-time read of a session from the upstream. Fields
// may be stale relative to each other; Reduce treats them as independent
// signals.
type Snapshot struct {
	Status  string
	EndedAt *time.Time
	// Operator is nil when no operator is assigned.
	Operator *Operator
	// MemberCount is zero when the upstream did not report it.
	MemberCount int
	// VisitorAuthorID identifies messages the bridge itself posted on the
	// visitor's behalf.
	VisitorAuthorID int64
	Messages        []Message
}

type Operator struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Message struct {
	ID          int64        `json:"id"`
	AuthorID    int64        `json:"authorId"`
	Author      string       `json:"author"`
	Body        string       `json:"body"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Notification marks upstream-generated system messages (joins, leaves,
	// channel renames).
	Notification bool `json:"-"`
}

type Attachment struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Mimetype string `json:"mimetype"`
}
