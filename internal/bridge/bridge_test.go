package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/livechat-bridge/backend/internal/config"
	"github.com/livechat-bridge/backend/internal/mock"
	"github.com/livechat-bridge/backend/internal/session"
	"github.com/livechat-bridge/backend/internal/upstream"
)

var testReplies = config.HandoffConfig{
	Reply:        "connecting",
	OfflineReply: "offline",
	EndNotice:    "visitor left",
}

type recordingHub struct {
	mu   sync.Mutex
	gone []int64
}

func (h *recordingHub) Disconnect(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gone = append(h.gone, id)
}

type stubHandoff struct {
	human bool
	reply string
	err   error
}

func (s stubHandoff) ShouldHandoff(context.Context, string, int64) (bool, string, float64, error) {
	return s.human, s.reply, 0.9, s.err
}

func newTestService(t *testing.T, h Handoff) (*Service, *mock.Upstream, *recordingHub) {
	t.Helper()
	u := mock.NewUpstream(mock.Options{})
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)

	o := u.Options()
	gw, err := upstream.NewClient(upstream.Config{
		BaseURL:    srv.URL,
		Database:   o.Database,
		Login:      o.Login,
		Password:   o.Password,
		ChannelIDs: o.ChannelIDs,
		Retry:      upstream.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	hub := &recordingHub{}
	svc := NewService(gw, Options{Handoff: h, Disconnector: hub, Replies: testReplies})
	return svc, u, hub
}

func TestChatOpensSession(t *testing.T) {
	svc, u, _ := newTestService(t, nil)

	reply, err := svc.Chat(context.Background(), ChatRequest{Message: "refund please", Visitor: "Ana"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !reply.HandoffNeeded || reply.SessionID == 0 {
		t.Fatalf("reply = %+v, want a handoff with a session", reply)
	}
	if reply.Reply != "connecting" {
		t.Errorf("reply text = %q", reply.Reply)
	}
	msgs := u.Messages(reply.SessionID)
	if len(msgs) != 1 || msgs[0].Body != "refund please" {
		t.Errorf("upstream messages = %+v", msgs)
	}
}

func TestChatOffline(t *testing.T) {
	svc, u, _ := newTestService(t, nil)
	u.SetAvailable(false)

	reply, err := svc.Chat(context.Background(), ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.SessionID != 0 || reply.Reply != "offline" {
		t.Errorf("reply = %+v, want the offline reply without a session", reply)
	}
}

func TestChatAnsweredWithoutHuman(t *testing.T) {
	svc, u, _ := newTestService(t, stubHandoff{reply: "try turning it off"})

	reply, err := svc.Chat(context.Background(), ChatRequest{Message: "broken"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.HandoffNeeded || reply.SessionID != 0 || reply.Reply != "try turning it off" {
		t.Errorf("reply = %+v", reply)
	}
	if n := u.Calls("/im_livechat/get_session"); n != 0 {
		t.Errorf("get_session called %d times, want 0", n)
	}
}

func TestChatHandoffErrorRequestsHuman(t *testing.T) {
	svc, _, _ := newTestService(t, stubHandoff{err: errors.New("model down")})

	reply, err := svc.Chat(context.Background(), ChatRequest{Message: "help"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !reply.HandoffNeeded || reply.SessionID == 0 {
		t.Errorf("reply = %+v, want a human handoff", reply)
	}
}

func TestChatInSession(t *testing.T) {
	svc, u, _ := newTestService(t, nil)
	ctx := context.Background()
	id := u.CreateConversation("Visitor")

	reply, err := svc.Chat(ctx, ChatRequest{Message: "still there?", SessionID: id})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.SessionID != id || reply.Reply != "" {
		t.Errorf("reply = %+v", reply)
	}

	u.Delete(id)
	reply, _ = svc.Chat(ctx, ChatRequest{Message: "hello?", SessionID: id})
	if reply.Reply != ReplySessionEnded {
		t.Errorf("reply after delete = %q, want %q", reply.Reply, ReplySessionEnded)
	}
}

func TestIsActive(t *testing.T) {
	svc, u, _ := newTestService(t, nil)
	ctx := context.Background()
	id := u.CreateConversation("Visitor")

	if !svc.IsActive(ctx, id) {
		t.Fatal("fresh session reported inactive")
	}
	u.OperatorJoin(id)
	u.OperatorLeave(id)
	if !svc.IsActive(ctx, id) {
		t.Error("session without operator reported inactive before any join was observed")
	}
	u.Close(id)
	if svc.IsActive(ctx, id) {
		t.Error("closed session reported active")
	}
	if svc.IsActive(ctx, 9999) {
		t.Error("unknown session reported active")
	}
}

func TestEndSession(t *testing.T) {
	svc, u, hub := newTestService(t, nil)
	id := u.CreateConversation("Visitor")

	if err := svc.EndSession(context.Background(), id); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if !u.VisitorLeft(id) {
		t.Error("upstream did not see the visitor leave")
	}
	if len(hub.gone) != 1 || hub.gone[0] != id {
		t.Errorf("disconnected = %v, want [%d]", hub.gone, id)
	}
	msgs := u.Messages(id)
	if len(msgs) == 0 || msgs[len(msgs)-1].Body != "visitor left" {
		t.Errorf("end notice missing: %+v", msgs)
	}
}

func TestFeedback(t *testing.T) {
	svc, u, _ := newTestService(t, nil)
	ctx := context.Background()
	id := u.CreateConversation("Visitor")

	if err := svc.Feedback(ctx, id, 9, ""); !upstream.IsRejected(err) {
		t.Errorf("rating 9: err = %v, want rejected", err)
	}
	if err := svc.Feedback(ctx, id, 4, "quick"); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	fb, ok := u.Feedback(id)
	if !ok || fb.Rating != 4 || fb.Comment != "quick" {
		t.Errorf("feedback = %+v, %v", fb, ok)
	}
}

func TestMessagesTranscript(t *testing.T) {
	svc, u, _ := newTestService(t, nil)
	ctx := context.Background()

	id, err := svc.OpenSession(ctx, "Ana", "first question")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	u.OperatorJoin(id)
	u.OperatorSay(id, "Hello <b>Ana</b>")
	u.OperatorSay(id, "SESSION_ENDED")

	entries, err := svc.Messages(ctx, id)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if !entries[0].FromVisitor || entries[0].Body != "first question" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].FromVisitor || entries[1].Body != "Hello Ana" {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	if _, err := svc.Messages(ctx, 9999); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}
}

// snapshotGateway answers ReadSnapshot from a fixed conversation, honoring
// the cursor. Every other call fails.
type snapshotGateway struct {
	Gateway
	snap  session.Snapshot
	reads int
}

func (g *snapshotGateway) ReadSnapshot(_ context.Context, _ int64, after int64) (session.Snapshot, error) {
	g.reads++
	out := g.snap
	out.Messages = nil
	for _, m := range g.snap.Messages {
		if m.ID > after {
			out.Messages = append(out.Messages, m)
		}
	}
	return out, nil
}

type liveStates map[int64]session.State

func (l liveStates) State(id int64) (session.State, bool) {
	st, ok := l[id]
	return st, ok
}

func TestIsActiveAppliesEveryEndSignal(t *testing.T) {
	tests := []struct {
		name   string
		snap   session.Snapshot
		active bool
	}{
		{
			name: "end marker in history",
			snap: session.Snapshot{Status: session.StatusOpen, MemberCount: 2, Messages: []session.Message{
				{ID: 3, AuthorID: 42, Author: "Mitchell", Body: "bye"},
				{ID: 4, AuthorID: 42, Body: "SESSION_ENDED"},
			}},
			active: false,
		},
		{
			name: "visitor alone after the operator spoke",
			snap: session.Snapshot{Status: session.StatusOpen, MemberCount: 1, Messages: []session.Message{
				{ID: 3, AuthorID: 42, Author: "Mitchell", Body: "hello"},
			}},
			active: false,
		},
		{
			name: "visitor alone before any operator",
			snap: session.Snapshot{Status: session.StatusOpen, MemberCount: 1, VisitorAuthorID: 7, Messages: []session.Message{
				{ID: 2, AuthorID: 7, Body: "anyone there?"},
			}},
			active: true,
		},
		{
			name: "operator left, channel still open",
			snap: session.Snapshot{Status: session.StatusOpen, MemberCount: 2, Messages: []session.Message{
				{ID: 3, AuthorID: 42, Author: "Mitchell", Body: "one moment"},
				{ID: 4, AuthorID: 42, Body: "AGENT_DISCONNECTED"},
			}},
			active: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&snapshotGateway{snap: tt.snap}, Options{Replies: testReplies})
			if got := svc.IsActive(context.Background(), 5); got != tt.active {
				t.Errorf("IsActive = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestIsActivePrefersLiveState(t *testing.T) {
	gw := &snapshotGateway{snap: session.Snapshot{Status: session.StatusOpen, MemberCount: 2}}
	live := liveStates{
		5: {ID: 5, Lifecycle: session.Ended},
		6: {ID: 6, Lifecycle: session.AgentLeft},
	}
	svc := NewService(gw, Options{Live: live, Replies: testReplies})
	ctx := context.Background()

	if svc.IsActive(ctx, 5) {
		t.Error("session ended by its event source reported active")
	}
	if !svc.IsActive(ctx, 6) {
		t.Error("AgentLeft session reported inactive")
	}
	if gw.reads != 0 {
		t.Errorf("live sessions read the upstream %d times, want 0", gw.reads)
	}
	if !svc.IsActive(ctx, 8) {
		t.Error("session without a source should fall back to the upstream")
	}
	if gw.reads == 0 {
		t.Error("fallback did not read the upstream")
	}
}
