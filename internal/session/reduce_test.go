package session

import (
	"math/rand"
	"testing"
	"time"
)

const visitorID = 99

func openSnapshot(op *Operator, msgs ...Message) Snapshot {
	return Snapshot{
		Status:          StatusOpen,
		Operator:        op,
		MemberCount:     2,
		VisitorAuthorID: visitorID,
		Messages:        msgs,
	}
}

func msg(id int64, body string) Message {
	return Message{ID: id, AuthorID: 42, Author: "Mitchell", Body: body}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func assertKinds(t *testing.T, events []Event, want ...EventKind) {
	t.Helper()
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

// TestReduceLifecycleScenario walks one session through first contact,
// operator join, operator leave, and close.
func TestReduceLifecycleScenario(t *testing.T) {
	op := &Operator{ID: 42, Name: "Mitchell"}
	state := NewState(7, 0)

	// No operator yet, channel open.
	state, events := Reduce(state, Snapshot{Status: StatusOpen, MemberCount: 1, VisitorAuthorID: visitorID})
	if state.Lifecycle != Active {
		t.Errorf("after first snapshot lifecycle = %v, want active", state.Lifecycle)
	}
	assertKinds(t, events)

	// Operator assigned and says hi.
	state, events = Reduce(state, openSnapshot(op, msg(5, "hi")))
	assertKinds(t, events, EventAgentJoined, EventMessage)
	if events[0].Operator != "Mitchell" {
		t.Errorf("AgentJoined operator = %q, want Mitchell", events[0].Operator)
	}
	if events[1].Message.ID != 5 || events[1].Message.Body != "hi" {
		t.Errorf("message event = %+v", events[1].Message)
	}
	if state.Cursor != 5 {
		t.Errorf("cursor = %d, want 5", state.Cursor)
	}

	// Operator disappears, status still open.
	state, events = Reduce(state, openSnapshot(nil))
	assertKinds(t, events, EventAgentLeft)
	if state.IsTerminal() || !state.IsActive() {
		t.Errorf("operator leaving must not end the session, lifecycle = %v", state.Lifecycle)
	}

	// Channel closed.
	state, events = Reduce(state, Snapshot{Status: StatusClosed, VisitorAuthorID: visitorID})
	assertKinds(t, events, EventEnded)
	if events[0].Reason != EndClosed {
		t.Errorf("end reason = %q, want %q", events[0].Reason, EndClosed)
	}
	if state.Lifecycle != Ended {
		t.Errorf("lifecycle = %v, want ended", state.Lifecycle)
	}
}

func TestReduceEndedIsAbsorbing(t *testing.T) {
	ended := State{ID: 1, Lifecycle: Ended, Cursor: 10}

	next, events := Reduce(ended, openSnapshot(&Operator{ID: 1, Name: "x"}, msg(11, "late")))
	if next.Lifecycle != Ended {
		t.Errorf("stale active snapshot resurrected session: %v", next.Lifecycle)
	}
	if len(events) != 0 {
		t.Errorf("terminal state produced events: %v", kinds(events))
	}
	if next.Cursor != 10 {
		t.Errorf("terminal state cursor moved to %d", next.Cursor)
	}
}

func TestReduceEndSignals(t *testing.T) {
	endedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	joined := State{ID: 1, Lifecycle: Active, Joined: true, OperatorPresent: true}

	tests := []struct {
		name   string
		prev   State
		snap   Snapshot
		reason EndReason
	}{
		{"closed status", joined, Snapshot{Status: StatusClosed}, EndClosed},
		{"ended status", joined, Snapshot{Status: "Ended"}, EndClosed},
		{"not found", NewState(1, 0), Snapshot{Status: StatusNotFound}, EndNotFound},
		{"end timestamp", joined, Snapshot{Status: StatusOpen, EndedAt: &endedAt, Operator: &Operator{ID: 1}}, EndTimestamp},
		{"visitor alone", joined, Snapshot{Status: StatusOpen, MemberCount: 1, Operator: &Operator{ID: 1}}, EndMembers},
		{"end marker", joined, Snapshot{Status: StatusOpen, MemberCount: 2, Messages: []Message{{ID: 3, Body: "SESSION_ENDED"}}}, EndMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, events := Reduce(tt.prev, tt.snap)
			if next.Lifecycle != Ended {
				t.Fatalf("lifecycle = %v, want ended", next.Lifecycle)
			}
			last := events[len(events)-1]
			if last.Kind != EventEnded || last.Reason != tt.reason {
				t.Errorf("last event = %v/%q, want session_ended/%q", last.Kind, last.Reason, tt.reason)
			}
		})
	}
}

func TestReduceMemberCountIgnoredBeforeOperator(t *testing.T) {
	state, _ := Reduce(NewState(1, 0), Snapshot{Status: StatusOpen, MemberCount: 1})
	state, events := Reduce(state, Snapshot{Status: StatusOpen, MemberCount: 1})
	if state.Lifecycle != Active {
		t.Errorf("visitor waiting alone must stay active, got %v", state.Lifecycle)
	}
	assertKinds(t, events)
}

func TestReduceAgentJoinedOnlyOnce(t *testing.T) {
	op := &Operator{ID: 42, Name: "Mitchell"}
	state := NewState(1, 0)

	state, events := Reduce(state, openSnapshot(op))
	assertKinds(t, events, EventAgentJoined)

	state, events = Reduce(state, openSnapshot(nil))
	assertKinds(t, events, EventAgentLeft)
	if state.Lifecycle != AgentLeft {
		t.Errorf("lifecycle = %v, want agent_left", state.Lifecycle)
	}

	// Operator reconnects: back to Active, no second join.
	state, events = Reduce(state, openSnapshot(op, msg(8, "back")))
	assertKinds(t, events, EventMessage)
	if state.Lifecycle != Active {
		t.Errorf("lifecycle = %v, want active", state.Lifecycle)
	}
}

func TestReduceJoinedByFirstMessage(t *testing.T) {
	// The operator field can lag behind the first message.
	state, events := Reduce(NewState(1, 0), openSnapshot(nil, msg(3, "hello")))
	assertKinds(t, events, EventAgentJoined, EventMessage)
	if events[0].Operator != "Mitchell" {
		t.Errorf("join operator = %q, want message author", events[0].Operator)
	}
	if !state.Joined {
		t.Error("state.Joined = false after AgentJoined")
	}
}

func TestReduceFiltersMessages(t *testing.T) {
	snap := openSnapshot(&Operator{ID: 42, Name: "Mitchell"},
		Message{ID: 4, AuthorID: visitorID, Body: "visitor text"},
		Message{ID: 6, AuthorID: 42, Body: "Mitchell joined the channel", Notification: true},
		Message{ID: 2, AuthorID: 42, Body: "first"},
		Message{ID: 9, AuthorID: 42, Body: "   "},
		Message{ID: 7, AuthorID: 42, Body: "AGENT_DISCONNECTED"},
		Message{ID: 5, AuthorID: 42, Body: "", Attachments: []Attachment{{ID: 1, Name: "a.png"}}},
	)

	state, events := Reduce(State{ID: 1, Lifecycle: Active, Joined: true}, snap)

	var ids []int64
	for _, ev := range events {
		if ev.Kind == EventMessage {
			ids = append(ids, ev.Message.ID)
		}
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 5 {
		t.Errorf("delivered ids = %v, want [2 5]", ids)
	}
	if state.Cursor != 9 {
		t.Errorf("cursor = %d, want 9 (annotations still advance it)", state.Cursor)
	}
	if state.OperatorPresent {
		t.Error("AGENT_DISCONNECTED marker should clear operator presence")
	}
}

func TestReduceDuplicateSnapshot(t *testing.T) {
	snap := openSnapshot(&Operator{ID: 42, Name: "Mitchell"}, msg(3, "a"), msg(4, "b"), msg(4, "b"))

	state, first := Reduce(NewState(1, 0), snap)
	_, second := Reduce(state, snap)

	var count int
	for _, ev := range first {
		if ev.Kind == EventMessage {
			count++
		}
	}
	if count != 2 {
		t.Errorf("first reduce delivered %d messages, want 2", count)
	}
	if len(second) != 0 {
		t.Errorf("re-polled snapshot produced events: %v", kinds(second))
	}
}

func TestReduceRespectsSeededCursor(t *testing.T) {
	_, events := Reduce(NewState(1, 10), openSnapshot(nil, msg(9, "old"), msg(10, "seen"), msg(11, "new")))
	assertKinds(t, events, EventAgentJoined, EventMessage)
	if events[1].Message.ID != 11 {
		t.Errorf("delivered id = %d, want 11", events[1].Message.ID)
	}
}

// TestReduceRandomSnapshots checks the ordering and monotonicity properties
// over random, overlapping, out-of-order snapshot pages.
func TestReduceRandomSnapshots(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 200; run++ {
		state := NewState(1, 0)
		var lastDelivered int64
		seen := make(map[int64]bool)

		for poll := 0; poll < 30; poll++ {
			var msgs []Message
			for i := 0; i < rng.Intn(6); i++ {
				id := int64(rng.Intn(60) + 1)
				msgs = append(msgs, Message{ID: id, AuthorID: int64(rng.Intn(3) + 97), Body: "x"})
			}
			snap := Snapshot{Status: StatusOpen, MemberCount: 2, VisitorAuthorID: visitorID, Messages: msgs}
			if rng.Intn(3) == 0 {
				snap.Operator = &Operator{ID: 1, Name: "op"}
			}
			if rng.Intn(40) == 0 {
				snap.Status = StatusClosed
			}

			prevCursor := state.Cursor
			wasEnded := state.IsTerminal()
			var events []Event
			state, events = Reduce(state, snap)

			if state.Cursor < prevCursor {
				t.Fatalf("run %d poll %d: cursor decreased %d -> %d", run, poll, prevCursor, state.Cursor)
			}
			if wasEnded && state.Lifecycle != Ended {
				t.Fatalf("run %d poll %d: ended session resurrected", run, poll)
			}
			for _, ev := range events {
				if ev.Kind != EventMessage {
					continue
				}
				id := ev.Message.ID
				if id <= lastDelivered || seen[id] {
					t.Fatalf("run %d poll %d: message %d out of order or duplicated (last %d)", run, poll, id, lastDelivered)
				}
				if ev.Message.AuthorID == visitorID {
					t.Fatalf("run %d poll %d: visitor message %d delivered", run, poll, id)
				}
				seen[id] = true
				lastDelivered = id
			}
		}
	}
}

func TestVisible(t *testing.T) {
	tests := []struct {
		name string
		m    Message
		want bool
	}{
		{"operator text", msg(1, "hello"), true},
		{"visitor text", Message{ID: 2, AuthorID: visitorID, Body: "hi"}, true},
		{"attachment only", Message{ID: 3, Attachments: []Attachment{{ID: 1}}}, true},
		{"notification", Message{ID: 4, Body: "joined", Notification: true}, false},
		{"blank", msg(5, "  \n"), false},
		{"end marker", msg(6, "SESSION_ENDED"), false},
		{"left marker", msg(7, " AGENT_DISCONNECTED "), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Visible(tt.m); got != tt.want {
				t.Errorf("Visible() = %v, want %v", got, tt.want)
			}
		})
	}
}
