// Package upstream is the gateway to the help-desk server's JSON-RPC API.
// Every network call the bridge makes goes through Client, which owns the
// authenticated session, retries transient failures with backoff, and maps
// failures onto the Error taxonomy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/livechat-bridge/backend/internal/metrics"
)

// Upstream endpoints.
const (
	epAuthenticate = "/web/session/authenticate"
	epCallKW       = "/web/dataset/call_kw"
	epGetSession   = "/im_livechat/get_session"
	epVisitorLeave = "/im_livechat/visitor_leave_session"
	epFeedback     = "/im_livechat/feedback"
	epUpload       = "/mail/attachment/upload"
	epLongPoll     = "/longpolling/poll"
	epContent      = "/web/content/"
)

// RetryConfig controls backoff for transient failures.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

type Config struct {
	BaseURL  string
	Database string
	Login    string
	Password string
	// ChannelIDs are the live-chat channels tried in order when opening a
	// session.
	ChannelIDs []int64

	RequestTimeout time.Duration
	// LongPollTimeout is how long the upstream may hold a long-poll request.
	LongPollTimeout time.Duration
	// ProbeTimeout bounds the long-poll capability probe.
	ProbeTimeout time.Duration
	Retry        RetryConfig
	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// PageSize caps messages fetched per snapshot read.
	PageSize int

	// HTTPClient is used for every request. A cookie jar is attached when
	// the client has none, since the upstream session lives in a cookie.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.LongPollTimeout == 0 {
		c.LongPollTimeout = 50 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 5 * time.Second
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.PageSize == 0 {
		c.PageSize = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is safe for concurrent use. The credential is shared by every
// caller and re-established on demand.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	authGroup singleflight.Group
	mu        sync.RWMutex // protects cred
	cred      *Credential

	rpcID atomic.Int64
	// longPoll caches the capability probe: 0 unknown, 1 supported,
	// 2 unsupported.
	longPoll atomic.Int32
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream: base URL is required")
	}
	cfg.setDefaults()

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("upstream: creating cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: limiter,
		logger:  cfg.Logger.With("component", "upstream"),
	}, nil
}

// Authenticate returns the cached credential or logs in. Concurrent callers
// share a single in-flight login, which outlives the caller that started it;
// each caller still returns as soon as its own ctx is done.
func (c *Client) Authenticate(ctx context.Context) (Credential, error) {
	if cred, ok := c.credential(); ok {
		return cred, nil
	}
	ch := c.authGroup.DoChan("auth", func() (any, error) {
		if cred, ok := c.credential(); ok {
			return cred, nil
		}
		attempts := max(c.cfg.Retry.MaxAttempts, 1)
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(attempts)*c.cfg.RequestTimeout)
		defer cancel()
		return c.login(loginCtx)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (c *Client) login(ctx context.Context) (Credential, error) {
	params := map[string]any{
		"db":       c.cfg.Database,
		"login":    c.cfg.Login,
		"password": c.cfg.Password,
	}
	var res authResult
	err := c.retry(ctx, epAuthenticate, func() error {
		return c.post(ctx, epAuthenticate, c.cfg.RequestTimeout, params, &res)
	})
	if err != nil {
		return Credential{}, err
	}
	if res.UID == 0 {
		return Credential{}, &Error{Kind: KindAuth, Endpoint: epAuthenticate, Message: "login refused"}
	}
	cred := Credential{UID: int64(res.UID), PartnerID: int64(res.PartnerID), Obtained: time.Now()}
	c.mu.Lock()
	c.cred = &cred
	c.mu.Unlock()
	c.logger.Info("authenticated", "uid", cred.UID, "partner_id", cred.PartnerID)
	return cred, nil
}

func (c *Client) credential() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred == nil {
		return Credential{}, false
	}
	return *c.cred, true
}

// PageSize is the most messages one ReadSnapshot returns.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// Invalidate drops the cached credential so the next call logs in again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
}

// withAuth runs fn with a valid credential. An auth failure invalidates the
// credential and retries fn exactly once.
func (c *Client) withAuth(ctx context.Context, fn func(Credential) error) error {
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	err = fn(cred)
	if !IsAuth(err) {
		return err
	}
	c.logger.Warn("credential rejected, re-authenticating", "error", err)
	c.Invalidate()
	cred, err = c.Authenticate(ctx)
	if err != nil {
		return err
	}
	return fn(cred)
}

// retry runs op with exponential backoff while it fails transiently.
func (c *Client) retry(ctx context.Context, endpoint string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.InitialBackoff
	b.Multiplier = c.cfg.Retry.Multiplier
	b.MaxInterval = c.cfg.Retry.MaxBackoff
	b.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying upstream call", "endpoint", endpoint, "in", next, "error", err)
		}),
	)
	return err
}

// call is the standard path: authenticated, retried JSON-RPC.
func (c *Client) call(ctx context.Context, endpoint string, params, out any) error {
	return c.withAuth(ctx, func(Credential) error {
		return c.retry(ctx, endpoint, func() error {
			return c.post(ctx, endpoint, c.cfg.RequestTimeout, params, out)
		})
	})
}

func (c *Client) callKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if args == nil {
		args = []any{}
	}
	return c.call(ctx, epCallKW, callKW{Model: model, Method: method, Args: args, Kwargs: kwargs}, out)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// post performs a single JSON-RPC request and classifies its failure.
func (c *Client) post(ctx context.Context, endpoint string, timeout time.Duration, params, out any) (err error) {
	if err := c.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	defer func() { observe(endpoint, start, err) }()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  params,
		ID:      c.rpcID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("upstream: encoding %s request: %w", endpoint, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream: building %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	if err := statusError(endpoint, resp); err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransient, Endpoint: endpoint, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if rpcResp.Error != nil {
		return rpcErrorToError(endpoint, rpcResp.Error)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return &Error{Kind: KindRejected, Endpoint: endpoint, Message: "unexpected result shape", Err: err}
	}
	return nil
}

// transportError maps a failed round trip. Cancellation by the caller is
// returned as-is so it is never retried or counted as an upstream failure.
func (c *Client) transportError(ctx context.Context, endpoint string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{Kind: KindTransient, Endpoint: endpoint, Err: err}
}

func statusError(endpoint string, resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	e := &Error{Endpoint: endpoint, StatusCode: code, Message: strings.TrimSpace(string(snippet))}
	if e.Message == "" {
		e.Message = http.StatusText(code)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = KindAuth
	case code == http.StatusTooManyRequests || code >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindRejected
	}
	return e
}

func rpcErrorToError(endpoint string, re *rpcError) *Error {
	e := &Error{
		Kind:     KindRejected,
		Endpoint: endpoint,
		Name:     re.Data.Name,
		Message:  re.Data.Message,
	}
	if e.Message == "" {
		e.Message = re.Message
	}
	// Code 100 is the server's "session expired" signal.
	if re.Code == 100 || strings.Contains(re.Data.Name, "SessionExpired") || strings.Contains(re.Data.Name, "AccessDenied") {
		e.Kind = KindAuth
	}
	return e
}

func isMissingRecord(err error) bool {
	var upErr *Error
	return errors.As(err, &upErr) && upErr.Kind == KindRejected && strings.Contains(upErr.Name, "MissingError")
}

func observe(endpoint string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
	default:
		if k, ok := kindOf(err); ok {
			outcome = k.String()
		} else {
			outcome = "error"
		}
	}
	metrics.UpstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
