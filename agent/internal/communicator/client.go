package communicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("communicator: not found")

type Client struct {
	serverURL  string
	host       string
	token      string
	httpClient *http.Client
	version    string
	logger     *zap.Logger
}

type ClientConfig struct {
	ServerURL string
	HostName  string
	Token     string
	Timeout   time.Duration
	Version   string
	Logger    *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		serverURL: cfg.ServerURL,
		host:      cfg.HostName,
		token:     cfg.Token,
		version:   cfg.Version,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}
}

// Register announces this host. Registering again refreshes the host.
func (c *Client) Register(ctx context.Context, ip string) error {
	req := RegisterRequest{Name: c.host, IP: ip, AgentVersion: c.version}
	if err := c.do(ctx, http.MethodPost, "/api/v1/agent/register", req, nil); err != nil {
		return err
	}
	c.logger.Info("agent_registered", zap.String("host", c.host))
	return nil
}

// Heartbeat delivers reports and stats and returns the work queued for this
// host since the previous heartbeat.
func (c *Client) Heartbeat(ctx context.Context, reports []CommandReport, stats map[string]interface{}) (*HeartbeatResponse, error) {
	start := time.Now()
	req := HeartbeatRequest{Host: c.host, Reports: reports, Stats: stats}

	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agent/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("agent_heartbeat_ok",
		zap.Int("reports", len(reports)),
		zap.Int("commands", len(resp.Commands)),
		zap.Int("cancels", len(resp.Cancels)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return &resp, nil
}

// FetchKeytab downloads the keytab the server exported for principal.
func (c *Client) FetchKeytab(ctx context.Context, principal string) ([]byte, error) {
	q := url.Values{"host": {c.host}, "principal": {principal}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/v1/agent/keytabs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("agent_request_network_error", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := statusError(resp.StatusCode, respBody); err != nil {
		c.logger.Warn("agent_request_bad_status", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) authorize(r *http.Request) {
	if c.token != "" {
		r.Header.Set("X-Agent-Token", c.token)
	}
	r.Header.Set("X-Agent-Host", c.host)
	r.Header.Set("User-Agent", fmt.Sprintf("ClusterdAgent/%s", c.version))
}

func statusError(code int, body []byte) error {
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, bytes.TrimSpace(body))
	case code < 200 || code > 299:
		return fmt.Errorf("server returned status %d: %s", code, bytes.TrimSpace(body))
	}
	return nil
}
