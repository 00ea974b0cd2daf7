package session

import (
	"sort"
	"strings"
)

// Marker bodies posted into a channel by upstream automation. They are never
// shown to the visitor but still carry lifecycle meaning.
const (
	markerEnded        = "SESSION_ENDED"
	markerDisconnected = "AGENT_DISCONNECTED"
)

// visitorOnlyMembers is the member count at which the channel holds nobody
// but the visitor.
const visitorOnlyMembers = 1

// Reduce folds one upstream snapshot into the previous state and returns the
// next state together with the events the transition produced, in delivery
// order: AgentJoined, then messages by ascending id, then AgentLeft or Ended.
//
// Reduce is pure. Ended is absorbing: once reached, every later snapshot is
// ignored no matter what it reports.
//
// An operator leaving without any end signal moves the state to AgentLeft,
// not Ended. AgentLeft is still an open conversation (State.IsActive reports
// true) and returns to Active when an operator is present again.
func Reduce(prev State, snap Snapshot) (State, []Event) {
	if prev.IsTerminal() {
		return prev, nil
	}

	next := prev
	var events []Event

	deliver, endMarker, leftMarker := scanMessages(&next, snap)

	present := snap.Operator != nil && !leftMarker

	if !next.Joined && (present || len(deliver) > 0) {
		name := joinedName(snap, deliver)
		events = append(events, Event{
			Kind:      EventAgentJoined,
			SessionID: prev.ID,
			Operator:  name,
			Text:      name + " joined the chat",
		})
		next.Joined = true
	}

	for i := range deliver {
		m := deliver[i]
		events = append(events, Event{Kind: EventMessage, SessionID: prev.ID, Message: &m})
	}

	if reason, ended := endSignal(prev, snap, endMarker); ended {
		next.Lifecycle = Ended
		next.OperatorPresent = false
		if snap.EndedAt != nil {
			t := *snap.EndedAt
			next.EndedAt = &t
		}
		return next, append(events, EndedEvent(prev.ID, reason))
	}

	switch {
	case prev.OperatorPresent && !present:
		name := prev.OperatorName
		if name == "" {
			name = "The agent"
		}
		events = append(events, Event{
			Kind:      EventAgentLeft,
			SessionID: prev.ID,
			Operator:  prev.OperatorName,
			Text:      name + " left the chat",
		})
		next.Lifecycle = AgentLeft
	case present:
		next.Lifecycle = Active
	case next.Lifecycle == Created:
		next.Lifecycle = Active
	}

	next.OperatorPresent = present
	if present && snap.Operator.Name != "" {
		next.OperatorName = snap.Operator.Name
	}

	return next, events
}

// scanMessages advances next.Cursor past every message in the snapshot and
// returns the ones that should reach the visitor. Messages at or below the
// cursor, duplicates within the page, the visitor's own messages, and
// administrative annotations are dropped.
func scanMessages(next *State, snap Snapshot) (deliver []Message, endMarker, leftMarker bool) {
	msgs := make([]Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		if m.ID > next.Cursor {
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	for _, m := range msgs {
		if m.ID <= next.Cursor {
			continue
		}
		next.Cursor = m.ID

		switch strings.TrimSpace(m.Body) {
		case markerEnded:
			endMarker = true
			continue
		case markerDisconnected:
			leftMarker = true
			continue
		}
		if snap.VisitorAuthorID != 0 && m.AuthorID == snap.VisitorAuthorID {
			continue
		}
		if isAnnotation(m) {
			continue
		}
		deliver = append(deliver, m)
	}
	return deliver, endMarker, leftMarker
}

// Visible reports whether a message belongs in the visitor's transcript:
// markers and administrative annotations never do.
func Visible(m Message) bool {
	switch strings.TrimSpace(m.Body) {
	case markerEnded, markerDisconnected:
		return false
	}
	return !isAnnotation(m)
}

// isAnnotation reports whether a message is internal bookkeeping rather than
// something an operator typed.
func isAnnotation(m Message) bool {
	if m.Notification {
		return true
	}
	return strings.TrimSpace(m.Body) == "" && len(m.Attachments) == 0
}

// endSignal ORs every independent termination signal. The upstream does not
// update these fields atomically, so any one of them is enough.
func endSignal(prev State, snap Snapshot, endMarker bool) (EndReason, bool) {
	switch {
	case snap.Status == StatusNotFound:
		return EndNotFound, true
	case isClosedStatus(snap.Status):
		return EndClosed, true
	case snap.EndedAt != nil:
		return EndTimestamp, true
	case endMarker:
		return EndMarker, true
	case prev.Joined && snap.MemberCount > 0 && snap.MemberCount <= visitorOnlyMembers:
		// Only meaningful once an operator has been in the channel; before
		// that the visitor is alone by construction.
		return EndMembers, true
	}
	return "", false
}

func isClosedStatus(status string) bool {
	switch strings.ToLower(status) {
	case StatusClosed, "ended":
		return true
	}
	return false
}

func joinedName(snap Snapshot, deliver []Message) string {
	if snap.Operator != nil && snap.Operator.Name != "" {
		return snap.Operator.Name
	}
	if len(deliver) > 0 && deliver[0].Author != "" {
		return deliver[0].Author
	}
	return "An agent"
}
