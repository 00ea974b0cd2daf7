package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/livechat-bridge/backend/internal/bridge"
	"github.com/livechat-bridge/backend/internal/config"
	"github.com/livechat-bridge/backend/internal/metrics"
	"github.com/livechat-bridge/backend/internal/monitor"
	"github.com/livechat-bridge/backend/internal/session"
	"github.com/livechat-bridge/backend/internal/upstream"
)

const (
	maxFrameBytes   = 4096
	maxRequestBytes = 64 << 10
	// multipartSlack covers form fields and boundaries around the file.
	multipartSlack = 1 << 20
)

// Reporter exposes event source health and live session state. It is
// satisfied by *monitor.Poller.
type Reporter interface {
	Reports() []monitor.SourceReport
	States() []session.State
	ActiveCount() int
}

type Server struct {
	cfg            config.ServerConfig
	bridge         *bridge.Service
	hub            *Hub
	reporter       Reporter
	metrics        bool
	static         http.Handler
	validate       *validator.Validate
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	anyOrigin      bool
	allowedMIME    map[string]bool
	logger         *slog.Logger
}

type ServerOptions struct {
	Reporter Reporter
	Metrics  bool
	// Static serves the widget assets at the root when set.
	Static http.Handler
	Logger *slog.Logger
}

func NewServer(cfg config.ServerConfig, svc *bridge.Service, hub *Hub, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		cfg:            cfg,
		bridge:         svc,
		hub:            hub,
		reporter:       opts.Reporter,
		metrics:        opts.Metrics,
		static:         opts.Static,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		allowedMIME:    make(map[string]bool),
		logger:         opts.Logger.With("component", "server"),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			s.anyOrigin = true
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	for _, m := range cfg.AllowedMIME {
		s.allowedMIME[strings.ToLower(strings.TrimSpace(m))] = true
	}

	return s
}

// Handler returns the routed API wrapped in the CORS and security header
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return s.cors(securityHeaders(mux))
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{id}", s.handleWS)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /session/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /messages/{id}", s.handleMessages)
	mux.HandleFunc("POST /upload-file", s.handleUpload)
	mux.HandleFunc("POST /end-session", s.handleEndSession)
	mux.HandleFunc("POST /feedback", s.handleFeedback)
	mux.HandleFunc("GET /download/{id}", s.handleDownload)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics {
		mux.Handle("GET /metrics", s.requireToken(metrics.Handler()))
	}
	if s.static != nil {
		mux.Handle("GET /", s.static)
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// cors lets the embedding site's widget call the API from the browser.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r)
	if !ok {
		return
	}
	var cursor int64
	if after := r.URL.Query().Get("after"); after != "" {
		n, err := strconv.ParseInt(after, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = n
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.hub.Connect(sessionID, cursor, conn)
	if err != nil {
		s.logger.Warn("ws connection refused", "session", sessionID, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	go s.readLoop(c)
}

// readLoop answers keep-alive pings and detects transport close. Idle
// connections are never timed out.
func (s *Server) readLoop(c *client) {
	defer s.hub.Release(c.sessionID, c)

	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read failed", "session", c.sessionID, "conn", c.id, "error", err)
			}
			return
		}
		var frame struct {
			Type MessageType `json:"type"`
		}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame.Type == MsgPing {
			s.hub.Reply(c, WSMessage{Type: MsgPong})
		}
	}
}

type chatRequest struct {
	Message     string     `json:"message" validate:"required,max=4000"`
	VisitorName string     `json:"visitor_name" validate:"max=64"`
	SessionID   sessionRef `json:"session_id" validate:"gte=0"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	reply, err := s.bridge.Chat(r.Context(), bridge.ChatRequest{
		Message:   req.Message,
		Visitor:   req.VisitorName,
		SessionID: int64(req.SessionID),
	})
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.bridge.IsActive(r.Context(), sessionID)})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := s.bridge.Messages(r.Context(), sessionID)
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	out := make([]MessagePayload, 0, len(entries))
	for _, e := range entries {
		p := RenderMessage(e.Message)
		p.Visitor = e.FromVisitor
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartSlack)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID, err := strconv.ParseInt(r.FormValue("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	if header.Size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	mimetype := s.detectMIME(header.Header.Get("Content-Type"), data)
	if !s.allowedMIME[mimetype] {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("file type %s not allowed", mimetype))
		return
	}

	caption := strings.TrimSpace(r.FormValue("message"))
	if err := s.bridge.SendAttachment(r.Context(), sessionID, header.Filename, mimetype, data, caption); err != nil {
		s.upstreamError(w, err)
		return
	}
	s.logger.Info("attachment sent", "session", sessionID, "name", header.Filename, "mimetype", mimetype, "bytes", len(data))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "filename": header.Filename})
}

// detectMIME trusts the declared type unless it is missing or generic.
func (s *Server) detectMIME(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return strings.ToLower(mt)
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

type sessionRequest struct {
	SessionID sessionRef `json:"session_id" validate:"gt=0"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.bridge.EndSession(r.Context(), int64(req.SessionID)); err != nil {
		s.upstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type feedbackRequest struct {
	SessionID sessionRef `json:"session_id" validate:"gt=0"`
	Rating    int        `json:"rating" validate:"min=1,max=5"`
	Comment   string     `json:"comment" validate:"max=2000"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.bridge.Feedback(r.Context(), int64(req.SessionID), req.Rating, req.Comment); err != nil {
		s.upstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	attachmentID, ok := pathID(w, r)
	if !ok {
		return
	}
	dl, err := s.bridge.Download(r.Context(), attachmentID)
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	defer dl.Body.Close()

	h := w.Header()
	if dl.ContentType != "" {
		h.Set("Content-Type", dl.ContentType)
	}
	if dl.ContentDisposition != "" {
		h.Set("Content-Disposition", dl.ContentDisposition)
	}
	if dl.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(dl.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		s.logger.Debug("download interrupted", "attachment", attachmentID, "error", err)
	}
}

type healthReport struct {
	Status   string                 `json:"status"`
	Sessions int                    `json:"sessions"`
	Active   int                    `json:"active"`
	Sources  []monitor.SourceReport `json:"sources,omitempty"`
	States   []session.State        `json:"states,omitempty"`
	Process  *monitor.ProcessStats  `json:"process,omitempty"`
}

// handleHealth is public; per-source detail and process stats need the
// admin token when one is configured.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "healthy", Sessions: s.hub.SessionCount()}
	if s.reporter != nil {
		report.Active = s.reporter.ActiveCount()
	}
	if s.authorize(r) && r.URL.Query().Has("detail") {
		if s.reporter != nil {
			report.Sources = s.reporter.Reports()
			report.States = s.reporter.States()
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if stats, err := monitor.SelfStats(ctx); err == nil {
			report.Process = &stats
		} else {
			s.logger.Debug("process stats unavailable", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.cfg.AuthToken {
		return true
	}

	if r.Header.Get("X-Chatbridge-Token") == s.cfg.AuthToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.anyOrigin {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// decode reads a JSON body into dst and validates it, writing a 400 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid field %s", strings.ToLower(verrs[0].Field())))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

// upstreamError maps gateway failures to a status code without exposing
// the upstream's error text.
func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrSessionNotFound), upstream.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	case upstream.IsRejected(err):
		writeError(w, http.StatusBadRequest, "request rejected")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		s.logger.Warn("upstream request failed", "error", err)
		writeError(w, http.StatusBadGateway, "chat service unavailable")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, logger *slog.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
