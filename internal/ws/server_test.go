package ws

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livechat-bridge/backend/internal/bridge"
	"github.com/livechat-bridge/backend/internal/config"
	"github.com/livechat-bridge/backend/internal/mock"
	"github.com/livechat-bridge/backend/internal/monitor"
	"github.com/livechat-bridge/backend/internal/session"
	"github.com/livechat-bridge/backend/internal/upstream"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

type testBridge struct {
	fake *mock.Upstream
	hub  *Hub
	srv  *httptest.Server
}

func newTestBridge(t *testing.T, mutate func(*config.ServerConfig)) *testBridge {
	t.Helper()

	fake := mock.NewUpstream(mock.Options{})
	upSrv := httptest.NewServer(fake)
	t.Cleanup(upSrv.Close)

	o := fake.Options()
	gw, err := upstream.NewClient(upstream.Config{
		BaseURL:    upSrv.URL,
		Database:   o.Database,
		Login:      o.Login,
		Password:   o.Password,
		ChannelIDs: o.ChannelIDs,
		Retry:      upstream.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Server)
	}
	poller := monitor.NewPoller(config.BridgeConfig{
		PollInterval:     20 * time.Millisecond,
		FailureThreshold: 5,
	}, gw, session.NewStore(), nil)
	hub := NewHub(poller, HubOptions{SendBuffer: 16, WriteTimeout: time.Second})
	t.Cleanup(hub.Close)

	svc := bridge.NewService(gw, bridge.Options{Disconnector: hub, Live: poller, Replies: cfg.Handoff})
	server := NewServer(cfg.Server, svc, hub, ServerOptions{Reporter: poller, Metrics: true})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testBridge{fake: fake, hub: hub, srv: srv}
}

func (b *testBridge) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (b *testBridge) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(b.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func nextFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	b := newTestBridge(t, nil)
	id := b.fake.CreateConversation("Visitor")
	conn := b.dial(t, "/ws/"+strconv.FormatInt(id, 10))

	waitFor(t, "session connected", func() bool { return b.hub.Connected(id) })
	b.fake.OperatorJoin(id)
	b.fake.OperatorSay(id, "Hello, how can I help?")

	f := nextFrame(t, conn)
	if f.Type != MsgAgentJoined {
		t.Fatalf("first frame = %q, want agent_joined", f.Type)
	}
	var agent AgentPayload
	json.Unmarshal(f.Payload, &agent)
	if agent.Operator != mock.OperatorName {
		t.Errorf("operator = %q, want %q", agent.Operator, mock.OperatorName)
	}

	f = nextFrame(t, conn)
	if f.Type != MsgMessage {
		t.Fatalf("second frame = %q, want message", f.Type)
	}
	var m MessagePayload
	json.Unmarshal(f.Payload, &m)
	if m.Body != "Hello, how can I help?" {
		t.Errorf("message body = %q", m.Body)
	}

	b.fake.Close(id)
	f = nextFrame(t, conn)
	if f.Type != MsgSessionEnded {
		t.Fatalf("third frame = %q, want session_ended", f.Type)
	}
	var ended SessionEndedPayload
	json.Unmarshal(f.Payload, &ended)
	if ended.Reason != string(session.EndClosed) || !ended.Feedback {
		t.Errorf("ended payload = %+v", ended)
	}

	expectClosed(t, conn)
	waitFor(t, "presence cleared", func() bool { return !b.hub.Connected(id) })
}

func TestWebSocketPingPong(t *testing.T) {
	b := newTestBridge(t, nil)
	id := b.fake.CreateConversation("Visitor")
	conn := b.dial(t, "/ws/"+strconv.FormatInt(id, 10))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if f := nextFrame(t, conn); f.Type != MsgPong {
		t.Errorf("reply = %q, want pong", f.Type)
	}
}

func TestWebSocketClientCloseDisconnects(t *testing.T) {
	b := newTestBridge(t, nil)
	id := b.fake.CreateConversation("Visitor")
	conn := b.dial(t, "/ws/"+strconv.FormatInt(id, 10))

	waitFor(t, "session connected", func() bool { return b.hub.Connected(id) })
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, "session released", func() bool { return !b.hub.Connected(id) })
}

func TestWebSocketRejectsBadID(t *testing.T) {
	b := newTestBridge(t, nil)
	resp, err := http.Get(b.srv.URL + "/ws/abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatEndpoint(t *testing.T) {
	b := newTestBridge(t, nil)

	resp := b.postJSON(t, "/chat", map[string]any{"message": "I need a human", "visitor_name": "Ana"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply bridge.ChatReply
	json.NewDecoder(resp.Body).Decode(&reply)
	if reply.SessionID == 0 || !reply.HandoffNeeded {
		t.Fatalf("reply = %+v", reply)
	}

	// The widget sends the id back as a string.
	resp = b.postJSON(t, "/chat", map[string]any{
		"message":    "follow-up",
		"session_id": strconv.FormatInt(reply.SessionID, 10),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow-up status = %d", resp.StatusCode)
	}
	msgs := b.fake.Messages(reply.SessionID)
	if len(msgs) != 2 || msgs[1].Body != "follow-up" {
		t.Errorf("upstream messages = %+v", msgs)
	}

	resp = b.postJSON(t, "/chat", map[string]any{"message": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusAndMessagesEndpoints(t *testing.T) {
	b := newTestBridge(t, nil)
	id := b.fake.CreateConversation("Visitor")
	b.fake.OperatorJoin(id)
	b.fake.OperatorSay(id, "first")
	path := strconv.FormatInt(id, 10)

	resp, err := http.Get(b.srv.URL + "/session/" + path + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var status map[string]bool
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if !status["active"] {
		t.Errorf("status = %v, want active", status)
	}

	resp, err = http.Get(b.srv.URL + "/messages/" + path)
	if err != nil {
		t.Fatal(err)
	}
	var history struct {
		Messages []MessagePayload `json:"messages"`
	}
	json.NewDecoder(resp.Body).Decode(&history)
	resp.Body.Close()
	if len(history.Messages) != 1 || history.Messages[0].Body != "first" {
		t.Errorf("history = %+v", history.Messages)
	}

	resp, _ = http.Get(b.srv.URL + "/messages/9999")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func uploadRequest(t *testing.T, url string, sessionID int64, name, contentType string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("session_id", strconv.FormatInt(sessionID, 10))
	mw.WriteField("message", "see attached")
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, _ := mw.CreatePart(h)
	part.Write(data)
	mw.Close()

	resp, err := http.Post(url+"/upload-file", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestUploadEndpoint(t *testing.T) {
	b := newTestBridge(t, func(c *config.ServerConfig) { c.MaxUploadBytes = 64 })
	id := b.fake.CreateConversation("Visitor")

	if resp := uploadRequest(t, b.srv.URL, id, "notes.txt", "text/plain", []byte("hello")); resp.StatusCode != http.StatusOK {
		t.Fatalf("text upload status = %d", resp.StatusCode)
	}
	msgs := b.fake.Messages(id)
	if len(msgs) != 1 || len(msgs[0].AttachmentIDs) != 1 {
		t.Errorf("upstream messages = %+v", msgs)
	}

	if resp := uploadRequest(t, b.srv.URL, id, "run.sh", "application/x-sh", []byte("rm -rf")); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("script upload status = %d, want 415", resp.StatusCode)
	}
	if resp := uploadRequest(t, b.srv.URL, id, "big.txt", "text/plain", bytes.Repeat([]byte("x"), 65)); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status = %d, want 413", resp.StatusCode)
	}
}

func TestEndSessionAndFeedbackEndpoints(t *testing.T) {
	b := newTestBridge(t, nil)
	id := b.fake.CreateConversation("Visitor")
	conn := b.dial(t, "/ws/"+strconv.FormatInt(id, 10))
	waitFor(t, "session connected", func() bool { return b.hub.Connected(id) })

	if resp := b.postJSON(t, "/end-session", map[string]any{"session_id": id}); resp.StatusCode != http.StatusOK {
		t.Fatalf("end-session status = %d", resp.StatusCode)
	}
	if !b.fake.VisitorLeft(id) {
		t.Error("upstream did not see the visitor leave")
	}
	expectClosed(t, conn)

	if resp := b.postJSON(t, "/feedback", map[string]any{"session_id": id, "rating": 7}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("rating 7 status = %d, want 400", resp.StatusCode)
	}
	if resp := b.postJSON(t, "/feedback", map[string]any{"session_id": id, "rating": 5, "comment": "great"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback status = %d", resp.StatusCode)
	}
	if fb, ok := b.fake.Feedback(id); !ok || fb.Rating != 5 {
		t.Errorf("feedback = %+v, %v", fb, ok)
	}
}

func TestHealthAndMetricsRequireToken(t *testing.T) {
	b := newTestBridge(t, func(c *config.ServerConfig) { c.AuthToken = "s3cret" })

	resp, err := http.Get(b.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("metrics without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, b.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics with token = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(b.srv.URL + "/health?detail")
	if err != nil {
		t.Fatal(err)
	}
	var report healthReport
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if report.Status != "healthy" || report.Process != nil {
		t.Errorf("anonymous health = %+v, want status only", report)
	}
}

func TestLiveStateDrivesStatusAndHealth(t *testing.T) {
	b := newTestBridge(t, func(c *config.ServerConfig) { c.AuthToken = "s3cret" })
	id := b.fake.CreateConversation("Visitor")
	path := strconv.FormatInt(id, 10)

	conn := b.dial(t, "/ws/"+path)
	b.fake.OperatorJoin(id)
	b.fake.OperatorSay(id, "hello")
	if f := nextFrame(t, conn); f.Type != MsgAgentJoined {
		t.Fatalf("first frame = %s, want agent_joined", f.Type)
	}

	var report healthReport
	resp, err := http.Get(b.srv.URL + "/health?detail&token=s3cret")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if report.Active != 1 || len(report.States) != 1 || report.States[0].ID != id {
		t.Fatalf("health = %+v, want the live session listed", report)
	}
	if !report.States[0].Joined {
		t.Error("live state did not record the join")
	}

	// Visitor alone after the operator spoke: the source ends the session,
	// and the status endpoint agrees.
	b.fake.OperatorLeave(id)
	for {
		if f := nextFrame(t, conn); f.Type == MsgSessionEnded {
			break
		}
	}
	resp, err = http.Get(b.srv.URL + "/session/" + path + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var status map[string]bool
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status["active"] {
		t.Error("status reports active after the event source ended the session")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "bridge.example", true},
		{"same host", nil, "https://bridge.example", "bridge.example", true},
		{"localhost", nil, "http://localhost:5173", "bridge.example", true},
		{"foreign", nil, "https://evil.example", "bridge.example", false},
		{"allow-listed", []string{"https://shop.example"}, "https://shop.example", "bridge.example", true},
		{"not listed", []string{"https://shop.example"}, "https://evil.example", "bridge.example", false},
		{"wildcard", []string{"*"}, "https://anything.example", "bridge.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(config.ServerConfig{AllowedOrigins: tt.allowed}, nil, nil, ServerOptions{})
			req := httptest.NewRequest(http.MethodGet, "/ws/1", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}
