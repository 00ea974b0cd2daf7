package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// rpcRequest is the JSON-RPC 2.0 envelope every upstream endpoint expects.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

// callKW is the params object for /web/dataset/call_kw.
type callKW struct {
	Model  string         `json:"model"`
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Credential is the cached result of a successful authentication. The
// session cookie itself lives in the client's cookie jar.
type Credential struct {
	UID int64
	// PartnerID is the author id the upstream stamps on messages the bridge
	// posts for visitors.
	PartnerID int64
	Obtained  time.Time
}

type authResult struct {
	UID       flexInt `json:"uid"`
	PartnerID flexInt `json:"partner_id"`
}

type channelRecord struct {
	ID             int64    `json:"id"`
	LivechatActive bool     `json:"livechat_active"`
	LivechatEndDt  flexTime `json:"livechat_end_dt"`
	Operator       many2one `json:"livechat_operator_id"`
	MemberCount    flexInt  `json:"member_count"`
}

type messageRecord struct {
	ID            int64    `json:"id"`
	Body          flexStr  `json:"body"`
	Author        many2one `json:"author_id"`
	Date          flexTime `json:"date"`
	MessageType   flexStr  `json:"message_type"`
	AttachmentIDs []int64  `json:"attachment_ids"`
}

type attachmentRecord struct {
	ID       int64   `json:"id"`
	Name     flexStr `json:"name"`
	Mimetype flexStr `json:"mimetype"`
}

type busNotification struct {
	ID      int64 `json:"id"`
	Message struct {
		Type string `json:"type"`
	} `json:"message"`
}

// Channel is a live-chat channel configured on the upstream.
type Channel struct {
	ID           int64   `json:"id"`
	Name         flexStr `json:"name"`
	UserIDs      []int64 `json:"user_ids"`
	AreYouInside bool    `json:"are_you_inside"`
}

// The upstream encodes "no value" as false for every field type. The flex*
// types accept false and null alongside the real encoding.

var jsonFalse = []byte("false")

func isEmptyJSON(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, jsonFalse) || bytes.Equal(data, []byte("null"))
}

type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	if isEmptyJSON(data) {
		*f = 0
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding integer field: %w", err)
	}
	*f = flexInt(n)
	return nil
}

type flexStr string

func (f *flexStr) UnmarshalJSON(data []byte) error {
	if isEmptyJSON(data) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding string field: %w", err)
	}
	*f = flexStr(s)
	return nil
}

// upstreamTimeLayout is the server's datetime format, always UTC.
const upstreamTimeLayout = "2006-01-02 15:04:05"

type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	if isEmptyJSON(data) {
		f.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding datetime field: %w", err)
	}
	t, err := time.ParseInLocation(upstreamTimeLayout, s, time.UTC)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("decoding datetime %q: %w", s, err)
		}
	}
	f.Time = t
	return nil
}

// many2one is a relational reference encoded as [id, "display name"].
type many2one struct {
	ID   int64
	Name string
}

func (m *many2one) UnmarshalJSON(data []byte) error {
	if isEmptyJSON(data) {
		*m = many2one{}
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		// Some endpoints return a bare id.
		var id int64
		if idErr := json.Unmarshal(data, &id); idErr != nil {
			return fmt.Errorf("decoding relation: %w", err)
		}
		*m = many2one{ID: id}
		return nil
	}
	if len(pair) == 0 {
		*m = many2one{}
		return nil
	}
	if err := json.Unmarshal(pair[0], &m.ID); err != nil {
		return fmt.Errorf("decoding relation id: %w", err)
	}
	m.Name = ""
	if len(pair) > 1 {
		var name flexStr
		if err := json.Unmarshal(pair[1], &name); err == nil {
			m.Name = string(name)
		}
	}
	return nil
}
