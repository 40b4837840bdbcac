// Package client talks to a running `gatekeeper serve` over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/gatekeeper"
)

// Client provides HTTP client functionality to communicate with a gatekeeper server
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds quick calls. Installs and the event stream are only
	// bounded by the caller's context.
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file trusted in addition to the system pool
	Insecure bool   // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:18790/api",
		Timeout: 10 * time.Second,
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Conflict reports a 409, which the server uses for "already in progress"
// and "already running".
func (e *APIError) Conflict() bool { return e.StatusCode == http.StatusConflict }

// Health is the answer of GET /health.
type Health struct {
	Port    int  `json:"port"`
	Healthy bool `json:"healthy"`
}

// New creates a new gatekeeper API client
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.Timeout,
		logger:  config.Logger,
		client:  &http.Client{Transport: transport},
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicitly requested by the user
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var st gatekeeper.GatewayStatus
	err := c.get(ctx, "/gateway/status", &st)
	c.logger.Debug("server reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

func (c *Client) RuntimeStatus(ctx context.Context) (gatekeeper.RuntimeStatus, error) {
	var st gatekeeper.RuntimeStatus
	return st, c.get(ctx, "/runtime/status", &st)
}

func (c *Client) RuntimeEnv(ctx context.Context) (map[string]string, error) {
	var env map[string]string
	return env, c.get(ctx, "/runtime/env", &env)
}

// InstallRuntime installs the runtime for goos/arch; empty values mean the
// server's platform.
func (c *Client) InstallRuntime(ctx context.Context, goos, arch string) (gatekeeper.RuntimeStatus, error) {
	var st gatekeeper.RuntimeStatus
	body := map[string]string{"os": goos, "arch": arch}
	return st, c.do(ctx, http.MethodPost, "/runtime/install", body, &st, false)
}

func (c *Client) ToolStatus(ctx context.Context) (gatekeeper.ToolStatus, error) {
	var st gatekeeper.ToolStatus
	return st, c.get(ctx, "/tool/status", &st)
}

func (c *Client) InstallTool(ctx context.Context) (gatekeeper.ToolStatus, error) {
	var st gatekeeper.ToolStatus
	return st, c.do(ctx, http.MethodPost, "/tool/install", nil, &st, false)
}

func (c *Client) UpdateTool(ctx context.Context) (gatekeeper.ToolStatus, error) {
	var st gatekeeper.ToolStatus
	return st, c.do(ctx, http.MethodPost, "/tool/update", nil, &st, false)
}

func (c *Client) CheckToolUpdate(ctx context.Context) (gatekeeper.UpdateInfo, error) {
	var info gatekeeper.UpdateInfo
	// npm view may take a while
	return info, c.do(ctx, http.MethodGet, "/tool/update", nil, &info, false)
}

// StartGateway starts the gateway on port (0 means the server's configured
// port) with env layered on top of the server-side environment.
func (c *Client) StartGateway(ctx context.Context, port int, env map[string]string) (gatekeeper.GatewayStatus, error) {
	var st gatekeeper.GatewayStatus
	body := struct {
		Port int               `json:"port,omitempty"`
		Env  map[string]string `json:"env,omitempty"`
	}{port, env}
	return st, c.do(ctx, http.MethodPost, "/gateway/start", body, &st, true)
}

func (c *Client) StopGateway(ctx context.Context) (gatekeeper.GatewayStatus, error) {
	var st gatekeeper.GatewayStatus
	// graceful stop waits up to the server's stop timeout
	return st, c.do(ctx, http.MethodPost, "/gateway/stop", nil, &st, false)
}

func (c *Client) GatewayStatus(ctx context.Context) (gatekeeper.GatewayStatus, error) {
	var st gatekeeper.GatewayStatus
	return st, c.get(ctx, "/gateway/status", &st)
}

// Health probes the gateway; port 0 means the supervised port.
func (c *Client) Health(ctx context.Context, port int) (Health, error) {
	p := "/health"
	if port > 0 {
		p += "?port=" + strconv.Itoa(port)
	}
	var h Health
	return h, c.get(ctx, p, &h)
}

func (c *Client) Platform(ctx context.Context) (gatekeeper.PlatformInfo, error) {
	var info gatekeeper.PlatformInfo
	return info, c.get(ctx, "/platform", &info)
}

func (c *Client) Prerequisites(ctx context.Context) ([]gatekeeper.Check, error) {
	var checks []gatekeeper.Check
	return checks, c.get(ctx, "/platform/prerequisites", &checks)
}

func (c *Client) InstallLocation(ctx context.Context) (gatekeeper.LocationState, error) {
	var st gatekeeper.LocationState
	return st, c.get(ctx, "/location", &st)
}

func (c *Client) SetInstallLocation(ctx context.Context, path string) (gatekeeper.LocationState, error) {
	var st gatekeeper.LocationState
	return st, c.do(ctx, http.MethodPut, "/location", map[string]string{"path": path}, &st, true)
}

func (c *Client) ResetInstallLocation(ctx context.Context) (gatekeeper.LocationState, error) {
	var st gatekeeper.LocationState
	return st, c.do(ctx, http.MethodDelete, "/location", nil, &st, true)
}

func (c *Client) Providers(ctx context.Context) ([]gatekeeper.Provider, error) {
	var ps []gatekeeper.Provider
	return ps, c.get(ctx, "/llm/providers", &ps)
}

func (c *Client) LLMState(ctx context.Context) (gatekeeper.LLMState, error) {
	var st gatekeeper.LLMState
	return st, c.get(ctx, "/llm/state", &st)
}

func (c *Client) SaveLLMConfig(ctx context.Context, provider, model, apiKey string) (gatekeeper.LLMState, error) {
	var st gatekeeper.LLMState
	body := map[string]string{"provider": provider, "model": model, "api_key": apiKey}
	return st, c.do(ctx, http.MethodPut, "/llm/config", body, &st, true)
}

// Events follows the server-sent event stream until ctx is done or fn
// returns an error. names limits the stream to those event names.
func (c *Client) Events(ctx context.Context, names []string, fn func(name string, data json.RawMessage) error) error {
	u := c.baseURL + "/events"
	if len(names) > 0 {
		u += "?names=" + url.QueryEscape(strings.Join(names, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var name string
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := fn(name, json.RawMessage(bytes.Clone(data.Bytes()))); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, true)
}

// do performs a JSON request. quick applies the configured timeout.
func (c *Client) do(ctx context.Context, method, path string, in, out any, quick bool) error {
	if quick && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var er struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
