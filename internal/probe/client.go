package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tjfontaine/gateway-probe/internal/wire"
)

const defaultUserAgent = "gateway-probe/1.0"

// Response bodies are read up to this bound so a misbehaving gateway cannot
// balloon a probe's memory.
const maxBodyBytes = 1 << 20

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithVersion sets the protocol version header value.
func WithVersion(version string) Option {
	return func(c *Client) {
		c.version = version
	}
}

// WithUserAgent sets the User-Agent sent on every probe.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithProxy routes all probe traffic through an explicit forward proxy.
// Without it the transport honors the usual proxy environment variables.
func WithProxy(proxyURL *url.URL) Option {
	return func(c *Client) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		c.httpClient = &http.Client{Transport: transport}
	}
}

// WithTimeouts overrides the three timeout tiers. Non-positive values
// keep the defaults.
func WithTimeouts(base, completion, health time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.timeout = base
		}
		if completion > 0 {
			c.completionTimeout = completion
		}
		if health > 0 {
			c.healthTimeout = health
		}
	}
}

// Client issues probe requests against one gateway deployment.
type Client struct {
	baseURL    string
	token      string
	version    string
	userAgent  string
	httpClient *http.Client

	timeout           time.Duration
	completionTimeout time.Duration
	healthTimeout     time.Duration
}

// NewClient creates a probe client for the gateway at baseURL. The token is
// sent as a bearer credential on every request unless a probe overrides the
// Authorization header to test rejection behavior.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		token:             token,
		version:           wire.Version,
		userAgent:         defaultUserAgent,
		httpClient:        &http.Client{},
		timeout:           DefaultTimeout,
		completionTimeout: CompletionTimeout,
		healthTimeout:     HealthTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the gateway base URL the client probes.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the underlying HTTP client so callers can layer
// instrumentation onto its transport.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// CompletionTimeout is the bound callers should put on full completion
// requests.
func (c *Client) CompletionTimeout() time.Duration {
	return c.completionTimeout
}

// HealthTimeout is the bound callers should put on lightweight requests.
func (c *Client) HealthTimeout() time.Duration {
	return c.healthTimeout
}

// Send issues one request and classifies what came back. It never returns an
// error: transport failures surface as a zero status with the description
// attached. Each call carries its own timeout; there are no retries at this
// layer because repetition policy belongs to the individual probes.
func (c *Client) Send(ctx context.Context, req Request) Result {
	start := time.Now()

	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return Result{Err: fmt.Sprintf("failed to marshal request body: %v", err), Latency: time.Since(start)}
		}
		bodyReader = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return Result{Err: fmt.Sprintf("failed to create request: %v", err), Latency: time.Since(start)}
	}
	c.setHeaders(httpReq, req)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{Err: describeTransportError(err), Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	result := Result{Status: resp.StatusCode, Headers: resp.Header}

	if req.Stream && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		result.Frames = countFrames(resp.Body)
		result.Latency = time.Since(start)
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		result.Err = fmt.Sprintf("failed to read response body: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	result.Body = body

	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		result.JSON = parsed
	}

	result.Latency = time.Since(start)
	return result
}

// Health issues the lightweight reachability request.
func (c *Client) Health(ctx context.Context) Result {
	return c.Send(ctx, Request{
		Path:    wire.HealthPath,
		Method:  http.MethodGet,
		Timeout: c.healthTimeout,
	})
}

// DiscoverModels asks the gateway which models it serves. Used to default
// the routing and smoke targets when the run declares none.
func (c *Client) DiscoverModels(ctx context.Context) ([]string, error) {
	result := c.Send(ctx, Request{
		Path:    wire.ModelInfoPath,
		Method:  http.MethodGet,
		Timeout: c.healthTimeout,
	})
	if result.TransportFailed() {
		return nil, fmt.Errorf("model listing unreachable: %s", result.Err)
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("model listing returned status %d", result.Status)
	}

	var list wire.ModelInfoList
	if err := json.Unmarshal(result.Body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode model listing: %w", err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ModelName != "" {
			models = append(models, m.ModelName)
		}
	}
	return models, nil
}

func (c *Client) setHeaders(httpReq *http.Request, req Request) {
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("anthropic-version", c.version)
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	// Per-request headers land last so probes can override the defaults,
	// e.g. replacing the credential to test rejection
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
}

// countFrames reads an SSE stream counting data frames up to FrameCap, then
// abandons the connection early.
func countFrames(body io.Reader) int {
	scanner := bufio.NewScanner(body)
	// Allow for large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	frames := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames++
			if frames >= FrameCap {
				break
			}
		}
	}
	return frames
}

func describeTransportError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if errors.Is(urlErr.Err, context.DeadlineExceeded) {
			return "request timed out"
		}
		if errors.Is(urlErr.Err, context.Canceled) {
			return "request canceled"
		}
	}
	return err.Error()
}
