// Package agent is the node-side half of the mesh: a controller API client,
// host collectors, a security watcher and the enforcement loop that owns the
// overlay interface and its filter chain.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ztmesh/ztmesh/internal/circuitbreaker"
	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/topology"
)

// Answers the controller hands back that the loop switches on.
var (
	ErrPending      = errors.New("node approval pending")
	ErrRevoked      = errors.New("node revoked")
	ErrUnauthorized = errors.New("token rejected")
	ErrUnreachable  = errors.New("controller unreachable")
)

// errServerBusy marks answers worth retrying: 5xx and rate limits.
var errServerBusy = errors.New("controller busy")

// APIError is a non-retryable controller answer (4xx family).
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller answered %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// ClientConfig configures the controller client.
type ClientConfig struct {
	// HubURL is the controller base URL (required).
	HubURL string

	// Token is the node bearer token, if already enrolled.
	Token string

	// Timeout bounds a single HTTP exchange (default 30s).
	Timeout time.Duration

	// MaxRetryInterval caps the retry backoff (default 60s).
	MaxRetryInterval time.Duration
}

// Client talks to the controller's agent endpoints. Transient failures are
// retried with jittered exponential backoff inside the caller's context; a
// sustained outage trips the circuit breaker so ticks fail fast until the
// controller answers probes again.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker

	mu    sync.RWMutex
	token string
}

// NewClient creates a controller client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 60 * time.Second
	}
	cfg.HubURL = strings.TrimRight(cfg.HubURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(circuitbreaker.ControllerConfig()),
		token:      cfg.Token,
	}
}

// SetToken installs a fresh bearer token after (re-)registration.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RegisterRequest enrolls this host.
type RegisterRequest struct {
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	PublicKey    string `json:"public_key"`
	RealIP       string `json:"real_ip,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	OSInfo       string `json:"os_info,omitempty"`
}

// RegisterResponse is the controller's enrollment answer. Token arrives
// even while the node is pending so the agent can poll sync.
type RegisterResponse struct {
	NodeID       string    `json:"node_id"`
	Status       string    `json:"status"`
	Token        string    `json:"token,omitempty"`
	OverlayIP    string    `json:"overlay_ip,omitempty"`
	HubPublicKey string    `json:"hub_public_key,omitempty"`
	HubEndpoint  string    `json:"hub_endpoint,omitempty"`
	ServerTime   time.Time `json:"server_time"`
}

// Directive is an out-of-band instruction attached to a plan.
type Directive struct {
	Name     core.Directive `json:"name"`
	Deadline string         `json:"deadline,omitempty"`
}

// SyncResponse is the desired state for this node.
type SyncResponse struct {
	PlanHash      string             `json:"plan_hash"`
	Interface     topology.Interface `json:"interface"`
	Peers         []topology.Peer    `json:"peers"`
	FirewallRules []policy.Rule      `json:"firewall_rules"`
	Directives    []Directive        `json:"directives"`
}

// HeartbeatResponse acknowledges vitals and carries the server's tick.
type HeartbeatResponse struct {
	Ack          bool `json:"ack"`
	NextInterval int  `json:"next_interval"`
}

// Register enrolls the node. Idempotent: repeating it returns the current
// record with a fresh token, which is how pending agents poll for approval.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if _, err := c.call(ctx, http.MethodPost, "/api/v1/agent/register", req, &resp, nil); err != nil {
		return nil, err
	}
	if resp.Token != "" {
		c.SetToken(resp.Token)
	}
	return &resp, nil
}

// Sync fetches the node's plan. With lastHash set the request carries
// If-None-Match; an unchanged plan answers 304 and Sync returns (nil, true,
// nil). Vitals piggyback on the request when provided.
func (c *Client) Sync(ctx context.Context, lastHash string, vitals *core.Vitals) (*SyncResponse, bool, error) {
	var headers map[string]string
	if lastHash != "" {
		headers = map[string]string{"If-None-Match": lastHash}
	}
	body := struct {
		Vitals *core.Vitals `json:"vitals,omitempty"`
	}{Vitals: vitals}

	var resp SyncResponse
	status, err := c.call(ctx, http.MethodPost, "/api/v1/agent/sync", body, &resp, headers)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotModified {
		return nil, true, nil
	}
	return &resp, false, nil
}

// Heartbeat reports liveness, vitals and any security observations.
func (c *Client) Heartbeat(ctx context.Context, vitals core.Vitals, reports []core.SecurityReport) (*HeartbeatResponse, error) {
	body := struct {
		Vitals  core.Vitals           `json:"vitals"`
		Reports []core.SecurityReport `json:"reports,omitempty"`
	}{Vitals: vitals, Reports: reports}

	var resp HeartbeatResponse
	if _, err := c.call(ctx, http.MethodPost, "/api/v1/agent/heartbeat", body, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RotateKey submits the public half of a freshly generated keypair.
func (c *Client) RotateKey(ctx context.Context, publicKey string) error {
	body := struct {
		PublicKey string `json:"public_key"`
	}{PublicKey: publicKey}
	_, err := c.call(ctx, http.MethodPost, "/api/v1/agent/rotate-key", body, nil, nil)
	return err
}

// Follow tails the controller's event stream and pokes wake whenever a
// plan-affecting event lands, so the loop replans ahead of its tick. It
// reconnects with backoff and returns when ctx ends.
func (c *Client) Follow(ctx context.Context, wake chan<- struct{}) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxRetryInterval
	bo.MaxElapsedTime = 0

	for {
		err := c.followOnce(ctx, wake)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Debug("event stream closed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Client) followOnce(ctx context.Context, wake chan<- struct{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HubURL+"/api/v1/events", nil)
	if err != nil {
		return err
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// The stream outlives the per-call timeout; use a bare transport client.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream answered %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil || line.Type == "ping" {
			continue
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return scanner.Err()
}

// call runs one API exchange with retries. Each attempt passes through the
// breaker; permanent answers stop the retry loop immediately. Every retry is
// logged with the call's correlation id.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}, headers map[string]string) (int, error) {
	requestID := uuid.New().String()
	attempt := 0

	var status int
	op := func() error {
		attempt++
		res, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return c.doOnce(ctx, method, path, in, out, headers, requestID)
		})
		if res != nil {
			status = res.(int)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w: circuit open", ErrUnreachable))
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("controller call failed, retrying",
			"path", path, "request_id", requestID, "attempt", attempt,
			"retry_in", next.Round(time.Millisecond), "error", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxRetryInterval
	bo.MaxElapsedTime = 0

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return status, err
	}
	return status, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, in, out interface{}, headers map[string]string, requestID string) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("agent: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.HubURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return resp.StatusCode, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, fmt.Errorf("agent: parse response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, classify(resp.StatusCode, raw)
}

// classify turns an error answer into the sentinel or typed error the loop
// switches on.
func classify(status int, raw []byte) error {
	var body struct {
		Status  string `json:"status"`
		Code    string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)

	switch status {
	case http.StatusForbidden:
		switch body.Status {
		case "pending":
			return ErrPending
		case "revoked":
			return ErrRevoked
		}
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s", errServerBusy, body.Message)
	}
	if status >= 500 {
		return fmt.Errorf("%w: answered %d: %s", errServerBusy, status, body.Message)
	}
	return &APIError{StatusCode: status, Code: body.Code, Message: body.Message}
}

// isRetryable reports whether another attempt can change the answer.
// Everything else, including 4xx answers and local marshal failures, stops
// the retry loop at once.
func isRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, errServerBusy)
}
