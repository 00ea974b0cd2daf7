// Package mock provides an in-memory stand-in for the help-desk upstream.
// It speaks the same JSON-RPC endpoints the gateway uses and lets tests (and
// the server's --mock mode) script operator behavior.
package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Partner ids used by the fake upstream.
const (
	BridgeUID       int64 = 2
	BridgePartnerID int64 = 3
	OperatorID      int64 = 42
	OperatorName          = "Mitchell Admin"
)

const sessionCookie = "session_id"

type Options struct {
	Database string
	Login    string
	Password string
	// ChannelIDs are the live-chat channels that accept visitors.
	ChannelIDs []int64
	// LongPoll enables /longpolling/poll. When false it answers 404.
	LongPoll bool
	// LongPollWait is how long a poll is held open without activity.
	LongPollWait time.Duration
}

// Message is one message stored by the fake upstream.
type Message struct {
	ID            int64
	AuthorID      int64
	Author        string
	Body          string
	Type          string
	Date          time.Time
	AttachmentIDs []int64
}

type conversation struct {
	id         int64
	visitor    string
	active     bool
	endedAt    *time.Time
	operator   int64
	opName     string
	members    int
	messages   []Message
	feedback   *Feedback
	visitorOut bool
}

type Feedback struct {
	Rating  int
	Comment string
}

type attachment struct {
	id       int64
	name     string
	mimetype string
	data     []byte
}

type busNote struct {
	id      int64
	channel int64
}

// Upstream is an http.Handler implementing the subset of the upstream API
// the bridge calls. All state is in memory and guarded by mu.
type Upstream struct {
	opts Options

	mu            sync.Mutex
	tokens        map[string]bool
	unavailable   bool
	conversations map[int64]*conversation
	attachments   map[int64]*attachment
	nextConv      int64
	nextMsg       int64
	nextAttach    int64
	bus           []busNote
	busSignal     chan struct{}
	faults        []int
	calls         map[string]int
	onCreate      func(id int64)
}

func NewUpstream(opts Options) *Upstream {
	if opts.Database == "" {
		opts.Database = "livechat"
	}
	if opts.Login == "" {
		opts.Login = "bridge"
	}
	if opts.Password == "" {
		opts.Password = "bridge"
	}
	if len(opts.ChannelIDs) == 0 {
		opts.ChannelIDs = []int64{1}
	}
	if opts.LongPollWait == 0 {
		opts.LongPollWait = 50 * time.Second
	}
	return &Upstream{
		opts:          opts,
		tokens:        make(map[string]bool),
		conversations: make(map[int64]*conversation),
		attachments:   make(map[int64]*attachment),
		nextConv:      100,
		nextMsg:       1000,
		nextAttach:    500,
		busSignal:     make(chan struct{}),
		calls:         make(map[string]int),
	}
}

func (u *Upstream) Options() Options { return u.opts }

// SetAvailable toggles whether channels accept new visitors.
func (u *Upstream) SetAvailable(ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unavailable = !ok
}

// OnCreate registers a hook called (outside the lock) for every new
// conversation.
func (u *Upstream) OnCreate(fn func(id int64)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onCreate = fn
}

// FailNext makes the next len(statuses) requests answer with the given
// HTTP status codes.
func (u *Upstream) FailNext(statuses ...int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.faults = append(u.faults, statuses...)
}

// ExpireSessions invalidates every issued session cookie.
func (u *Upstream) ExpireSessions() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tokens = make(map[string]bool)
}

// Calls returns how many requests hit path.
func (u *Upstream) Calls(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[path]
}

// CreateConversation opens a conversation directly, bypassing channels.
func (u *Upstream) CreateConversation(visitor string) int64 {
	u.mu.Lock()
	id := u.createLocked(visitor)
	hook := u.onCreate
	u.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id
}

func (u *Upstream) createLocked(visitor string) int64 {
	u.nextConv++
	id := u.nextConv
	u.conversations[id] = &conversation{id: id, visitor: visitor, active: true, members: 1}
	return id
}

// OperatorJoin assigns the operator and posts the join notification.
func (u *Upstream) OperatorJoin(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[id]
	if c == nil {
		return
	}
	c.operator = OperatorID
	c.opName = OperatorName
	c.members = 2
	u.appendLocked(c, Message{AuthorID: OperatorID, Author: OperatorName, Body: OperatorName + " joined the channel", Type: "notification"})
}

// OperatorSay posts a message from the operator and returns its id.
func (u *Upstream) OperatorSay(id int64, body string) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[id]
	if c == nil {
		return 0
	}
	return u.appendLocked(c, Message{AuthorID: OperatorID, Author: OperatorName, Body: "<p>" + body + "</p>", Type: "comment"})
}

// OperatorLeave unassigns the operator without closing the conversation.
func (u *Upstream) OperatorLeave(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[id]
	if c == nil {
		return
	}
	c.operator = 0
	c.opName = ""
	c.members = 1
	u.appendLocked(c, Message{AuthorID: OperatorID, Author: OperatorName, Body: OperatorName + " left the channel", Type: "notification"})
}

// Close ends the conversation from the operator side.
func (u *Upstream) Close(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[id]
	if c == nil {
		return
	}
	now := time.Now().UTC().Truncate(time.Second)
	c.active = false
	c.endedAt = &now
	u.notifyLocked(id)
}

// Delete removes the conversation entirely.
func (u *Upstream) Delete(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.conversations, id)
	u.notifyLocked(id)
}

// Messages returns a copy of the conversation's messages.
func (u *Upstream) Messages(id int64) []Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[id]
	if c == nil {
		return nil
	}
	return append([]Message(nil), c.messages...)
}

// Feedback returns the rating left on a conversation, if any.
func (u *Upstream) Feedback(id int64) (Feedback, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[id]
	if c == nil || c.feedback == nil {
		return Feedback{}, false
	}
	return *c.feedback, true
}

// VisitorLeft reports whether the bridge ended the conversation.
func (u *Upstream) VisitorLeft(id int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[id]
	return c != nil && c.visitorOut
}

func (u *Upstream) appendLocked(c *conversation, m Message) int64 {
	u.nextMsg++
	m.ID = u.nextMsg
	if m.Date.IsZero() {
		m.Date = time.Now().UTC().Truncate(time.Second)
	}
	c.messages = append(c.messages, m)
	u.notifyLocked(c.id)
	return m.ID
}

// notifyLocked records a bus notification and wakes long-polls.
func (u *Upstream) notifyLocked(channel int64) {
	var last int64
	if n := len(u.bus); n > 0 {
		last = u.bus[n-1].id
	}
	u.bus = append(u.bus, busNote{id: last + 1, channel: channel})
	close(u.busSignal)
	u.busSignal = make(chan struct{})
}

// ServeHTTP routes upstream endpoints.
func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.calls[r.URL.Path]++
	var fault int
	if len(u.faults) > 0 {
		fault = u.faults[0]
		u.faults = u.faults[1:]
	}
	u.mu.Unlock()

	if fault != 0 {
		http.Error(w, http.StatusText(fault), fault)
		return
	}

	switch {
	case r.URL.Path == "/web/session/authenticate":
		u.handleAuthenticate(w, r)
		return
	case r.URL.Path == "/longpolling/poll" && !u.opts.LongPoll:
		http.NotFound(w, r)
		return
	}

	if !u.authorized(r) {
		writeRPCError(w, 100, "odoo.http.SessionExpiredException", "Session expired")
		return
	}

	switch {
	case r.URL.Path == "/web/dataset/call_kw":
		u.handleCallKW(w, r)
	case r.URL.Path == "/im_livechat/get_session":
		u.handleGetSession(w, r)
	case r.URL.Path == "/im_livechat/visitor_leave_session":
		u.handleVisitorLeave(w, r)
	case r.URL.Path == "/im_livechat/feedback":
		u.handleFeedback(w, r)
	case r.URL.Path == "/mail/attachment/upload":
		u.handleUpload(w, r)
	case r.URL.Path == "/longpolling/poll":
		u.handleLongPoll(w, r)
	case strings.HasPrefix(r.URL.Path, "/web/content/"):
		u.handleContent(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (u *Upstream) authorized(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tokens[c.Value]
}

type rpcEnvelope struct {
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

func readParams(r *http.Request, out any) error {
	var env rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return err
	}
	if out == nil || len(env.Params) == 0 {
		return nil
	}
	return json.Unmarshal(env.Params, out)
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
}

func writeRPCError(w http.ResponseWriter, code int, name, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"error": map[string]any{
			"code":    code,
			"message": "Odoo Server Error",
			"data":    map[string]any{"name": name, "message": message},
		},
	})
}

func (u *Upstream) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var p struct {
		DB       string `json:"db"`
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := readParams(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.DB != u.opts.Database || p.Login != u.opts.Login || p.Password != u.opts.Password {
		writeRPCError(w, 200, "odoo.exceptions.AccessDenied", "Access Denied")
		return
	}
	token := uuid.NewString()
	u.mu.Lock()
	u.tokens[token] = true
	u.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/"})
	writeResult(w, map[string]any{"uid": BridgeUID, "partner_id": BridgePartnerID, "db": u.opts.Database})
}

func (u *Upstream) handleGetSession(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ChannelID     int64  `json:"channel_id"`
		AnonymousName string `json:"anonymous_name"`
	}
	if err := readParams(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	known := false
	for _, id := range u.opts.ChannelIDs {
		if id == p.ChannelID {
			known = true
		}
	}
	if !known {
		writeRPCError(w, 200, "odoo.exceptions.MissingError", "Record does not exist or has been deleted.")
		return
	}

	u.mu.Lock()
	if u.unavailable {
		u.mu.Unlock()
		writeResult(w, false)
		return
	}
	id := u.createLocked(p.AnonymousName)
	hook := u.onCreate
	u.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	writeResult(w, map[string]any{"id": id, "name": p.AnonymousName})
}

func (u *Upstream) handleVisitorLeave(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ChannelID int64 `json:"channel_id"`
	}
	if err := readParams(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	if c := u.conversations[p.ChannelID]; c != nil {
		now := time.Now().UTC().Truncate(time.Second)
		c.active = false
		c.visitorOut = true
		c.endedAt = &now
		u.notifyLocked(c.id)
	}
	u.mu.Unlock()
	writeResult(w, nil)
}

func (u *Upstream) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ChannelID int64  `json:"channel_id"`
		Rate      int    `json:"rate"`
		Reason    string `json:"reason"`
	}
	if err := readParams(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.conversations[p.ChannelID]
	if c == nil {
		writeRPCError(w, 200, "odoo.exceptions.MissingError", "Record does not exist or has been deleted.")
		return
	}
	c.feedback = &Feedback{Rating: p.Rate, Comment: p.Reason}
	writeResult(w, map[string]any{"rating_id": 1})
}

func (u *Upstream) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("ufile")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u.mu.Lock()
	u.nextAttach++
	a := &attachment{id: u.nextAttach, name: header.Filename, mimetype: header.Header.Get("Content-Type"), data: data}
	u.attachments[a.id] = a
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": a.id, "name": a.name, "mimetype": a.mimetype})
}

func (u *Upstream) handleContent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/web/content/"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	u.mu.Lock()
	a := u.attachments[id]
	u.mu.Unlock()
	if a == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", a.mimetype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.name))
	w.Write(a.data)
}

func (u *Upstream) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Channels []json.RawMessage `json:"channels"`
		Last     int64             `json:"last"`
	}
	if err := readParams(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	watch := make(map[int64]bool)
	for _, raw := range p.Channels {
		var tuple []any
		if json.Unmarshal(raw, &tuple) == nil && len(tuple) == 3 {
			if id, ok := tuple[2].(float64); ok {
				watch[int64(id)] = true
			}
		}
	}

	timer := time.NewTimer(u.opts.LongPollWait)
	defer timer.Stop()
	for {
		u.mu.Lock()
		var notes []map[string]any
		for _, n := range u.bus {
			if n.id > p.Last && watch[n.channel] {
				notes = append(notes, map[string]any{
					"id":      n.id,
					"message": map[string]any{"type": "discuss.channel/new_message"},
				})
			}
		}
		signal := u.busSignal
		u.mu.Unlock()

		if len(notes) > 0 {
			writeResult(w, notes)
			return
		}
		select {
		case <-signal:
		case <-timer.C:
			writeResult(w, []any{})
			return
		case <-r.Context().Done():
			return
		}
	}
}

type callKWParams struct {
	Model  string                     `json:"model"`
	Method string                     `json:"method"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

func (u *Upstream) handleCallKW(w http.ResponseWriter, r *http.Request) {
	var p callKWParams
	if err := readParams(r, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch p.Model + "." + p.Method {
	case "discuss.channel.read":
		u.readChannels(w, p)
	case "discuss.channel.message_post":
		u.messagePost(w, p)
	case "mail.message.search_read":
		u.searchMessages(w, p)
	case "ir.attachment.read":
		u.readAttachments(w, p)
	case "im_livechat.channel.search_read":
		var rows []map[string]any
		for _, id := range u.opts.ChannelIDs {
			rows = append(rows, map[string]any{
				"id":             id,
				"name":           fmt.Sprintf("Support %d", id),
				"user_ids":       []int64{BridgeUID},
				"are_you_inside": true,
			})
		}
		writeResult(w, rows)
	default:
		writeRPCError(w, 200, "odoo.exceptions.UserError", "unsupported call "+p.Model+"."+p.Method)
	}
}

func decodeIDs(raw json.RawMessage) []int64 {
	var ids []int64
	if json.Unmarshal(raw, &ids) == nil {
		return ids
	}
	var id int64
	if json.Unmarshal(raw, &id) == nil {
		return []int64{id}
	}
	return nil
}

func (u *Upstream) readChannels(w http.ResponseWriter, p callKWParams) {
	if len(p.Args) == 0 {
		writeRPCError(w, 200, "odoo.exceptions.UserError", "missing ids")
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	var rows []map[string]any
	for _, id := range decodeIDs(p.Args[0]) {
		c := u.conversations[id]
		if c == nil {
			writeRPCError(w, 200, "odoo.exceptions.MissingError", "Record does not exist or has been deleted.")
			return
		}
		row := map[string]any{
			"id":                   c.id,
			"livechat_active":      c.active,
			"livechat_end_dt":      false,
			"livechat_operator_id": false,
			"member_count":         c.members,
		}
		if c.endedAt != nil {
			row["livechat_end_dt"] = c.endedAt.Format("2006-01-02 15:04:05")
		}
		if c.operator != 0 {
			row["livechat_operator_id"] = []any{c.operator, c.opName}
		}
		rows = append(rows, row)
	}
	writeResult(w, rows)
}

func (u *Upstream) messagePost(w http.ResponseWriter, p callKWParams) {
	if len(p.Args) == 0 {
		writeRPCError(w, 200, "odoo.exceptions.UserError", "missing ids")
		return
	}
	ids := decodeIDs(p.Args[0])
	var body string
	var attachIDs []int64
	json.Unmarshal(p.Kwargs["body"], &body)
	if raw, ok := p.Kwargs["attachment_ids"]; ok {
		json.Unmarshal(raw, &attachIDs)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(ids) == 0 || u.conversations[ids[0]] == nil {
		writeRPCError(w, 200, "odoo.exceptions.MissingError", "Record does not exist or has been deleted.")
		return
	}
	c := u.conversations[ids[0]]
	msgID := u.appendLocked(c, Message{
		AuthorID:      BridgePartnerID,
		Author:        "Bridge",
		Body:          body,
		Type:          "comment",
		AttachmentIDs: attachIDs,
	})
	writeResult(w, msgID)
}

func (u *Upstream) searchMessages(w http.ResponseWriter, p callKWParams) {
	var domain [][]any
	if len(p.Args) > 0 {
		json.Unmarshal(p.Args[0], &domain)
	}
	var resID, after int64
	for _, term := range domain {
		if len(term) != 3 {
			continue
		}
		field, _ := term[0].(string)
		value, _ := term[2].(float64)
		switch field {
		case "res_id":
			resID = int64(value)
		case "id":
			after = int64(value)
		}
	}
	limit := 0
	if raw, ok := p.Kwargs["limit"]; ok {
		json.Unmarshal(raw, &limit)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	rows := []map[string]any{}
	c := u.conversations[resID]
	if c != nil {
		msgs := append([]Message(nil), c.messages...)
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
		for _, m := range msgs {
			if m.ID <= after {
				continue
			}
			if limit > 0 && len(rows) >= limit {
				break
			}
			attach := m.AttachmentIDs
			if attach == nil {
				attach = []int64{}
			}
			rows = append(rows, map[string]any{
				"id":             m.ID,
				"body":           m.Body,
				"author_id":      []any{m.AuthorID, m.Author},
				"date":           m.Date.Format("2006-01-02 15:04:05"),
				"message_type":   m.Type,
				"attachment_ids": attach,
			})
		}
	}
	writeResult(w, rows)
}

func (u *Upstream) readAttachments(w http.ResponseWriter, p callKWParams) {
	if len(p.Args) == 0 {
		writeResult(w, []any{})
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	rows := []map[string]any{}
	for _, id := range decodeIDs(p.Args[0]) {
		if a := u.attachments[id]; a != nil {
			rows = append(rows, map[string]any{"id": a.id, "name": a.name, "mimetype": a.mimetype})
		}
	}
	writeResult(w, rows)
}
