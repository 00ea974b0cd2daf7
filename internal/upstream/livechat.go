package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/livechat-bridge/backend/internal/session"
)

var channelFields = []string{"id", "livechat_active", "livechat_end_dt", "livechat_operator_id", "member_count"}

var messageFields = []string{"id", "body", "author_id", "date", "message_type", "attachment_ids"}

// CreateSession opens a conversation on the first configured channel that
// accepts a visitor and posts initial as the visitor's first message. It
// returns ErrNoChannel when every channel declined.
func (c *Client) CreateSession(ctx context.Context, visitor, initial string) (int64, error) {
	if len(c.cfg.ChannelIDs) == 0 {
		return 0, ErrNoChannel
	}

	var lastErr error
	for _, channelID := range c.cfg.ChannelIDs {
		params := map[string]any{
			"channel_id":           channelID,
			"anonymous_name":       visitor,
			"previous_operator_id": false,
			"persisted":            true,
		}
		var raw json.RawMessage
		if err := c.call(ctx, epGetSession, params, &raw); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			c.logger.Warn("channel refused session", "channel", channelID, "error", err)
			lastErr = err
			continue
		}
		id, err := sessionIDFrom(raw)
		if err != nil {
			lastErr = &Error{Kind: KindRejected, Endpoint: epGetSession, Message: "unexpected session payload", Err: err}
			continue
		}
		if id == 0 {
			c.logger.Info("no operator available", "channel", channelID)
			continue
		}

		c.logger.Info("session opened", "session", id, "channel", channelID)
		if strings.TrimSpace(initial) != "" {
			if _, err := c.PostMessage(ctx, id, initial, visitor); err != nil {
				c.logger.Warn("posting initial message failed", "session", id, "error", err)
			}
		}
		return id, nil
	}

	if lastErr != nil {
		return 0, lastErr
	}
	return 0, ErrNoChannel
}

// sessionIDFrom extracts the conversation id from get_session's result,
// which is false when no operator is online.
func sessionIDFrom(raw json.RawMessage) (int64, error) {
	if isEmptyJSON(raw) {
		return 0, nil
	}
	var payload struct {
		ID        flexInt `json:"id"`
		ChannelID flexInt `json:"channel_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, err
	}
	if payload.ID != 0 {
		return int64(payload.ID), nil
	}
	return int64(payload.ChannelID), nil
}

// PostMessage posts body to the conversation on the visitor's behalf and
// returns the upstream message id. author labels the message's sender.
func (c *Client) PostMessage(ctx context.Context, sessionID int64, body, author string) (int64, error) {
	kwargs := map[string]any{
		"body":          html.EscapeString(body),
		"message_type":  "comment",
		"subtype_xmlid": "mail.mt_comment",
	}
	if author != "" {
		kwargs["email_from"] = author
	}
	var msgID flexInt
	if err := c.callKW(ctx, "discuss.channel", "message_post", []any{sessionID}, kwargs, &msgID); err != nil {
		return 0, err
	}
	return int64(msgID), nil
}

// ReadSnapshot reads the conversation's status, operator, membership and
// messages newer than after. A missing conversation yields a snapshot with
// StatusNotFound rather than an error.
func (c *Client) ReadSnapshot(ctx context.Context, sessionID, after int64) (session.Snapshot, error) {
	var snap session.Snapshot
	err := c.withAuth(ctx, func(cred Credential) error {
		var err error
		snap, err = c.readSnapshot(ctx, sessionID, after)
		snap.VisitorAuthorID = cred.PartnerID
		return err
	})
	return snap, err
}

func (c *Client) readSnapshot(ctx context.Context, sessionID, after int64) (session.Snapshot, error) {
	var channels []channelRecord
	err := c.retry(ctx, epCallKW, func() error {
		return c.post(ctx, epCallKW, c.cfg.RequestTimeout, callKW{
			Model:  "discuss.channel",
			Method: "read",
			Args:   []any{[]int64{sessionID}, channelFields},
			Kwargs: map[string]any{},
		}, &channels)
	})
	if isMissingRecord(err) {
		return session.Snapshot{Status: session.StatusNotFound}, nil
	}
	if err != nil {
		return session.Snapshot{}, err
	}
	if len(channels) == 0 {
		return session.Snapshot{Status: session.StatusNotFound}, nil
	}

	ch := channels[0]
	snap := session.Snapshot{
		Status:      session.StatusClosed,
		MemberCount: int(ch.MemberCount),
	}
	if ch.LivechatActive {
		snap.Status = session.StatusOpen
	}
	if !ch.LivechatEndDt.IsZero() {
		t := ch.LivechatEndDt.Time
		snap.EndedAt = &t
	}
	if ch.Operator.ID != 0 {
		snap.Operator = &session.Operator{ID: ch.Operator.ID, Name: ch.Operator.Name}
	}

	records, err := c.readMessages(ctx, sessionID, after)
	if err != nil {
		return session.Snapshot{}, err
	}
	attachments, err := c.readAttachments(ctx, records)
	if err != nil {
		return session.Snapshot{}, err
	}

	snap.Messages = make([]session.Message, 0, len(records))
	for _, r := range records {
		m := session.Message{
			ID:           r.ID,
			AuthorID:     r.Author.ID,
			Author:       r.Author.Name,
			Body:         SanitizeBody(string(r.Body)),
			Timestamp:    r.Date.Time,
			Notification: r.MessageType == "notification",
		}
		for _, id := range r.AttachmentIDs {
			if a, ok := attachments[id]; ok {
				m.Attachments = append(m.Attachments, a)
			}
		}
		snap.Messages = append(snap.Messages, m)
	}
	return snap, nil
}

func (c *Client) readMessages(ctx context.Context, sessionID, after int64) ([]messageRecord, error) {
	domain := []any{
		[]any{"model", "=", "discuss.channel"},
		[]any{"res_id", "=", sessionID},
		[]any{"id", ">", after},
	}
	var records []messageRecord
	err := c.retry(ctx, epCallKW, func() error {
		return c.post(ctx, epCallKW, c.cfg.RequestTimeout, callKW{
			Model:  "mail.message",
			Method: "search_read",
			Args:   []any{domain, messageFields},
			Kwargs: map[string]any{"order": "id asc", "limit": c.cfg.PageSize},
		}, &records)
	})
	return records, err
}

func (c *Client) readAttachments(ctx context.Context, records []messageRecord) (map[int64]session.Attachment, error) {
	var ids []int64
	for _, r := range records {
		ids = append(ids, r.AttachmentIDs...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []attachmentRecord
	err := c.retry(ctx, epCallKW, func() error {
		return c.post(ctx, epCallKW, c.cfg.RequestTimeout, callKW{
			Model:  "ir.attachment",
			Method: "read",
			Args:   []any{ids, []string{"id", "name", "mimetype"}},
			Kwargs: map[string]any{},
		}, &rows)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]session.Attachment, len(rows))
	for _, r := range rows {
		out[r.ID] = session.Attachment{ID: r.ID, Name: string(r.Name), Mimetype: string(r.Mimetype)}
	}
	return out, nil
}

// SendAttachment uploads a file into the conversation and posts it with an
// optional caption.
func (c *Client) SendAttachment(ctx context.Context, sessionID int64, name, mimetype string, data []byte, caption string) error {
	var uploaded struct {
		ID flexInt `json:"id"`
	}
	err := c.withAuth(ctx, func(Credential) error {
		return c.retry(ctx, epUpload, func() error {
			return c.upload(ctx, sessionID, name, mimetype, data, &uploaded)
		})
	})
	if err != nil {
		return err
	}
	if uploaded.ID == 0 {
		return &Error{Kind: KindRejected, Endpoint: epUpload, Message: "upload returned no attachment id"}
	}

	kwargs := map[string]any{
		"body":           html.EscapeString(caption),
		"message_type":   "comment",
		"subtype_xmlid":  "mail.mt_comment",
		"attachment_ids": []int64{int64(uploaded.ID)},
	}
	return c.callKW(ctx, "discuss.channel", "message_post", []any{sessionID}, kwargs, nil)
}

// upload posts a multipart form. The endpoint answers with plain JSON, not
// a JSON-RPC envelope.
func (c *Client) upload(ctx context.Context, sessionID int64, name, mimetype string, data []byte, out any) (err error) {
	if err := c.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	defer func() { observe(epUpload, start, err) }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("thread_model", "discuss.channel")
	_ = w.WriteField("thread_id", strconv.FormatInt(sessionID, 10))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="ufile"; filename=%q`, name))
	h.Set("Content-Type", mimetype)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("upstream: building upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("upstream: building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upstream: building upload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+epUpload, &buf)
	if err != nil {
		return fmt.Errorf("upstream: building upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, epUpload, err)
	}
	defer resp.Body.Close()
	if err := statusError(epUpload, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindRejected, Endpoint: epUpload, StatusCode: resp.StatusCode, Message: "unexpected upload response", Err: err}
	}
	return nil
}

// EndSession posts notice (if any) and tells the upstream the visitor left.
func (c *Client) EndSession(ctx context.Context, sessionID int64, notice string) error {
	if notice != "" {
		if _, err := c.PostMessage(ctx, sessionID, notice, ""); err != nil {
			c.logger.Warn("posting end notice failed", "session", sessionID, "error", err)
		}
	}
	return c.call(ctx, epVisitorLeave, map[string]any{"channel_id": sessionID}, nil)
}

// SendFeedback records the visitor's rating (1-5) and optional comment.
func (c *Client) SendFeedback(ctx context.Context, sessionID int64, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return &Error{Kind: KindRejected, Endpoint: epFeedback, Message: fmt.Sprintf("rating %d out of range", rating)}
	}
	params := map[string]any{
		"channel_id": sessionID,
		"rate":       rating,
		"reason":     comment,
	}
	return c.call(ctx, epFeedback, params, nil)
}

// Download is an attachment body streamed from the upstream. The caller
// must close Body.
type Download struct {
	Body               io.ReadCloser
	ContentType        string
	ContentDisposition string
	ContentLength      int64
}

// DownloadAttachment opens the content of an attachment.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID int64) (*Download, error) {
	endpoint := epContent + strconv.FormatInt(attachmentID, 10)
	var dl *Download
	err := c.withAuth(ctx, func(Credential) error {
		return c.retry(ctx, epContent, func() error {
			var err error
			dl, err = c.get(ctx, endpoint)
			return err
		})
	})
	return dl, err
}

func (c *Client) get(ctx context.Context, endpoint string) (dl *Download, err error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { observe(epContent, start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?download=true", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: building download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, epContent, err)
	}
	if err := statusError(endpoint, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &Download{
		Body:               resp.Body,
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		ContentLength:      resp.ContentLength,
	}, nil
}

// ListChannels returns the live-chat channels visible to the bridge user.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	err := c.callKW(ctx, "im_livechat.channel", "search_read",
		[]any{[]any{}, []string{"id", "name", "user_ids", "are_you_inside"}},
		map[string]any{"order": "id asc"}, &channels)
	return channels, err
}
