package session

import "encoding/json"

// EventKind classifies derived session events.
type EventKind int

const (
	EventMessage     EventKind = iota // new operator message
	EventAgentJoined                  // first operator presence, emitted once
	EventAgentLeft                    // operator disappeared, non-terminal
	EventEnded                        // terminal
)

var eventKindNames = map[EventKind]string{
	EventMessage:     "message",
	EventAgentJoined: "agent_joined",
	EventAgentLeft:   "agent_left",
	EventEnded:       "session_ended",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// EndReason explains why a session reached Ended.
type EndReason string

const (
	EndClosed      EndReason = "closed"       // status field reports closed
	EndTimestamp   EndReason = "end_timestamp"
	EndMembers     EndReason = "visitor_alone" // only the visitor is left in the channel
	EndMarker      EndReason = "end_marker"    // SESSION_ENDED annotation
	EndNotFound    EndReason = "not_found"
	EndExhausted   EndReason = "bridge_unavailable"
	EndRejected    EndReason = "rejected"
	EndVisitorLeft EndReason = "visitor_left"
)

// Event is the normalized output of the bridge. Exactly one of the payload
// fields is meaningful for a given Kind.
type Event struct {
	Kind      EventKind
	SessionID int64
	Message   *Message  // EventMessage
	Operator  string    // EventAgentJoined, EventAgentLeft
	Reason    EndReason // EventEnded
	// Text is a human-readable line suitable for display as-is.
	Text string
}

// EndedEvent builds the terminal event for reasons that do not come from a
// snapshot (exhaustion, rejection).
func EndedEvent(id int64, reason EndReason) Event {
	return Event{Kind: EventEnded, SessionID: id, Reason: reason, Text: endText(reason)}
}

func endText(reason EndReason) string {
	switch reason {
	case EndExhausted:
		return "The chat service is temporarily unavailable. Please try again later."
	case EndRejected:
		return "This conversation can no longer be continued."
	case EndNotFound:
		return "This conversation no longer exists."
	case EndVisitorLeft:
		return "You have ended the conversation."
	default:
		return "The agent has ended the chat."
	}
}
