package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/livechat-bridge/backend/internal/session"
)

type MessageType string

const (
	MsgMessage      MessageType = "message"
	MsgAgentJoined  MessageType = "agent_joined"
	MsgAgentLeft    MessageType = "agent_left"
	MsgSessionEnded MessageType = "session_ended"
	MsgPing         MessageType = "ping"
	MsgPong         MessageType = "pong"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type AttachmentPayload struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Mimetype string `json:"mimetype"`
	URL      string `json:"url"`
}

type MessagePayload struct {
	ID          int64               `json:"id"`
	Author      string              `json:"author"`
	Body        string              `json:"body"`
	Timestamp   time.Time           `json:"timestamp"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
	// Visitor is set on transcript entries the visitor wrote.
	Visitor bool `json:"visitor,omitempty"`
}

type AgentPayload struct {
	Operator string `json:"operator"`
	Text     string `json:"text"`
}

type SessionEndedPayload struct {
	Reason string `json:"reason"`
	Text   string `json:"text"`
	// Feedback tells the widget to offer the rating form.
	Feedback bool `json:"feedback"`
}

// DownloadPath is the bridge route that proxies an attachment's content.
func DownloadPath(attachmentID int64) string {
	return fmt.Sprintf("/download/%d", attachmentID)
}

// RenderMessage converts an upstream message to its wire form.
func RenderMessage(m session.Message) MessagePayload {
	p := MessagePayload{
		ID:        m.ID,
		Author:    m.Author,
		Body:      m.Body,
		Timestamp: m.Timestamp,
	}
	for _, a := range m.Attachments {
		p.Attachments = append(p.Attachments, AttachmentPayload{
			ID:       a.ID,
			Name:     a.Name,
			Mimetype: a.Mimetype,
			URL:      DownloadPath(a.ID),
		})
	}
	return p
}

// feedbackReasons are the endings after which a rating makes sense.
var feedbackReasons = map[session.EndReason]bool{
	session.EndClosed:      true,
	session.EndTimestamp:   true,
	session.EndMembers:     true,
	session.EndMarker:      true,
	session.EndVisitorLeft: true,
}

// EventMessage converts a derived event to the frame sent to the widget.
func EventMessage(ev session.Event) WSMessage {
	switch ev.Kind {
	case session.EventMessage:
		var p MessagePayload
		if ev.Message != nil {
			p = RenderMessage(*ev.Message)
		}
		return WSMessage{Type: MsgMessage, Payload: p}
	case session.EventAgentJoined:
		return WSMessage{Type: MsgAgentJoined, Payload: AgentPayload{Operator: ev.Operator, Text: ev.Text}}
	case session.EventAgentLeft:
		return WSMessage{Type: MsgAgentLeft, Payload: AgentPayload{Operator: ev.Operator, Text: ev.Text}}
	default:
		return WSMessage{Type: MsgSessionEnded, Payload: SessionEndedPayload{
			Reason:   string(ev.Reason),
			Text:     ev.Text,
			Feedback: feedbackReasons[ev.Reason],
		}}
	}
}

// sessionRef is a session id the widget may send as a number or a string.
type sessionRef int64

func (r *sessionRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*r = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %s", data)
	}
	*r = sessionRef(n)
	return nil
}
