// Package bridge implements the visitor-facing operations: opening a
// conversation with a human operator, posting into it, and ending it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/livechat-bridge/backend/internal/config"
	"github.com/livechat-bridge/backend/internal/session"
	"github.com/livechat-bridge/backend/internal/upstream"
)

// ReplySessionEnded tells the widget to stop posting into a session.
const ReplySessionEnded = "SESSION_ENDED"

const defaultVisitor = "Anonymous"

var ErrSessionNotFound = errors.New("session not found")

// Gateway is the upstream surface the bridge uses. It is satisfied by
// *upstream.Client.
type Gateway interface {
	CreateSession(ctx context.Context, visitor, initial string) (int64, error)
	PostMessage(ctx context.Context, sessionID int64, body, author string) (int64, error)
	ReadSnapshot(ctx context.Context, sessionID, after int64) (session.Snapshot, error)
	SendAttachment(ctx context.Context, sessionID int64, name, mimetype string, data []byte, caption string) error
	EndSession(ctx context.Context, sessionID int64, notice string) error
	SendFeedback(ctx context.Context, sessionID int64, rating int, comment string) error
	DownloadAttachment(ctx context.Context, attachmentID int64) (*upstream.Download, error)
}

// Disconnector tears down the live connection of a session.
type Disconnector interface {
	Disconnect(sessionID int64)
}

// LiveStates exposes the state published by running event sources. It is
// satisfied by *monitor.Poller.
type LiveStates interface {
	State(sessionID int64) (session.State, bool)
}

type Options struct {
	Handoff      Handoff
	Disconnector Disconnector
	Live         LiveStates
	Replies      config.HandoffConfig
	Logger       *slog.Logger
}

type Service struct {
	gw      Gateway
	handoff Handoff
	hub     Disconnector
	live    LiveStates
	replies config.HandoffConfig
	logger  *slog.Logger
}

func NewService(gw Gateway, opts Options) *Service {
	if opts.Handoff == nil {
		opts.Handoff = StaticHandoff{Reply: opts.Replies.Reply}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		gw:      gw,
		handoff: opts.Handoff,
		hub:     opts.Disconnector,
		live:    opts.Live,
		replies: opts.Replies,
		logger:  opts.Logger.With("component", "bridge"),
	}
}

func visitorLabel(label string) string {
	if label = strings.TrimSpace(label); label == "" {
		return defaultVisitor
	}
	return label
}

// OpenSession creates an upstream conversation carrying the initial message.
// It returns 0 and upstream.ErrNoChannel when no channel has an operator.
func (s *Service) OpenSession(ctx context.Context, visitor, initial string) (int64, error) {
	id, err := s.gw.CreateSession(ctx, visitorLabel(visitor), initial)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PostVisitorMessage relays a visitor message and reports whether the
// upstream accepted it.
func (s *Service) PostVisitorMessage(ctx context.Context, sessionID int64, body, visitor string) bool {
	if _, err := s.gw.PostMessage(ctx, sessionID, body, visitorLabel(visitor)); err != nil {
		s.logger.Warn("posting visitor message failed", "session", sessionID, "error", err)
		return false
	}
	return true
}

// IsActive reports whether the session is still open. The live state of a
// running event source wins; otherwise the history is replayed through
// session.Reduce so the same end signals apply. Any read failure counts as
// inactive.
func (s *Service) IsActive(ctx context.Context, sessionID int64) bool {
	if s.live != nil {
		if state, ok := s.live.State(sessionID); ok {
			return state.IsActive()
		}
	}

	state := session.NewState(sessionID, 0)
	for {
		snap, err := s.gw.ReadSnapshot(ctx, sessionID, state.Cursor)
		if err != nil {
			s.logger.Debug("status read failed", "session", sessionID, "error", err)
			return false
		}
		before := state.Cursor
		state, _ = session.Reduce(state, snap)
		if state.IsTerminal() {
			return false
		}
		// A read with nothing new is reduced with Joined already settled, so
		// the member-count signal applies to it.
		if state.Cursor == before {
			return state.IsActive()
		}
	}
}

// ChatRequest is a visitor message sent to the handoff entry point.
type ChatRequest struct {
	Message   string
	Visitor   string
	SessionID int64
}

type ChatReply struct {
	Reply         string  `json:"response"`
	HandoffNeeded bool    `json:"handoff_needed"`
	Confidence    float64 `json:"confidence"`
	SessionID     int64   `json:"session_id,omitempty"`
}

// Chat routes a visitor message. Inside a session it is posted upstream;
// otherwise the handoff collaborator decides whether to open one.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	if req.SessionID != 0 {
		if !s.PostVisitorMessage(ctx, req.SessionID, req.Message, req.Visitor) {
			return ChatReply{Reply: ReplySessionEnded}, nil
		}
		return ChatReply{Confidence: 1, SessionID: req.SessionID}, nil
	}

	needsHuman, reply, confidence, err := s.handoff.ShouldHandoff(ctx, req.Message, 0)
	if err != nil {
		s.logger.Warn("handoff decision failed, requesting a human", "error", err)
		needsHuman, reply, confidence = true, s.replies.Reply, 0
	}
	out := ChatReply{Reply: reply, HandoffNeeded: needsHuman, Confidence: confidence}
	if !needsHuman {
		return out, nil
	}

	id, err := s.OpenSession(ctx, req.Visitor, req.Message)
	switch {
	case err == nil:
		out.SessionID = id
		if out.Reply == "" {
			out.Reply = s.replies.Reply
		}
	case errors.Is(err, upstream.ErrNoChannel):
		out.Reply = s.replies.OfflineReply
	default:
		s.logger.Error("opening session failed", "error", err)
		out.Reply = s.replies.OfflineReply
	}
	return out, nil
}

// EndSession posts the leave notice, closes the upstream channel and drops
// the live connection.
func (s *Service) EndSession(ctx context.Context, sessionID int64) error {
	if s.hub != nil {
		defer s.hub.Disconnect(sessionID)
	}
	if err := s.gw.EndSession(ctx, sessionID, s.replies.EndNotice); err != nil {
		return fmt.Errorf("ending session %d: %w", sessionID, err)
	}
	s.logger.Info("visitor ended session", "session", sessionID)
	return nil
}

func (s *Service) Feedback(ctx context.Context, sessionID int64, rating int, comment string) error {
	return s.gw.SendFeedback(ctx, sessionID, rating, comment)
}

func (s *Service) SendAttachment(ctx context.Context, sessionID int64, name, mimetype string, data []byte, caption string) error {
	return s.gw.SendAttachment(ctx, sessionID, name, mimetype, data, caption)
}

// Download opens an attachment's content for proxying. The caller closes
// the body.
func (s *Service) Download(ctx context.Context, attachmentID int64) (*upstream.Download, error) {
	return s.gw.DownloadAttachment(ctx, attachmentID)
}

// Entry is one transcript line.
type Entry struct {
	session.Message
	FromVisitor bool
}

// Messages returns the visible transcript of a session in id order, reading
// page by page until the upstream has nothing newer.
func (s *Service) Messages(ctx context.Context, sessionID int64) ([]Entry, error) {
	var out []Entry
	var cursor int64
	for {
		snap, err := s.gw.ReadSnapshot(ctx, sessionID, cursor)
		if err != nil {
			return nil, err
		}
		if snap.Status == session.StatusNotFound {
			return nil, ErrSessionNotFound
		}
		before := cursor
		for _, m := range snap.Messages {
			if m.ID <= cursor {
				continue
			}
			cursor = m.ID
			if session.Visible(m) {
				out = append(out, Entry{Message: m, FromVisitor: snap.VisitorAuthorID != 0 && m.AuthorID == snap.VisitorAuthorID})
			}
		}
		if cursor == before {
			return out, nil
		}
	}
}
