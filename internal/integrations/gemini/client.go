package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"portfolio-relay/internal/domain"
	"portfolio-relay/internal/integrations/paramstore"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultModel     = "gemini-2.0-flash"
	maxErrorBodySize = 1 << 20
)

// StreamFormat selects the wire framing requested from streamGenerateContent.
type StreamFormat string

const (
	// FormatSSE asks for event-stream framing (alt=sse), one record per data: line.
	FormatSSE StreamFormat = "sse"
	// FormatJSON is the default upstream framing: a pretty-printed JSON array.
	FormatJSON StreamFormat = "json"
)

// ErrCredentials marks failures to obtain an API key. They are deployment
// problems, not upstream ones.
var ErrCredentials = errors.New("gemini: credentials unavailable")

// generateRequest is the request shape for the streamGenerateContent endpoint.
type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures a non-2xx upstream response. Body holds the raw
// response bytes so they can be forwarded unchanged.
type HTTPStatusError struct {
	StatusCode  int
	URL         string
	ContentType string
	Body        []byte
}

func (e *HTTPStatusError) Error() string {
	preview := e.Body
	if len(preview) > 256 {
		preview = preview[:256]
	}
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, preview)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client opens streaming generation requests against the Gemini API.
type Client struct {
	baseURL         string
	model           string
	format          StreamFormat
	maxOutputTokens int
	httpClient      *http.Client
	maxRetries      int
	retryBase       time.Duration

	staticKey   string
	getter      Getter
	paramPrefix string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

func WithStreamFormat(f StreamFormat) Option {
	return func(c *Client) {
		c.format = f
	}
}

func WithMaxOutputTokens(n int) Option {
	return func(c *Client) {
		c.maxOutputTokens = n
	}
}

// WithAPIKey sets a fixed key. It takes precedence over WithParamStore.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

// WithParamStore resolves the key from SSM at {prefix}/gemini-token on first use.
func WithParamStore(g Getter, paramPrefix string) Option {
	return func(c *Client) {
		c.getter = g
		c.paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	}
}

// WithRetries allows up to n extra attempts when the request fails before any
// response arrives. Error statuses from the upstream are never retried.
func WithRetries(n int, base time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = n
		c.retryBase = base
	}
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		format:     FormatSSE,
		httpClient: defaultHTTPClient(),
		retryBase:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	switch c.format {
	case FormatSSE, FormatJSON:
	default:
		return nil, fmt.Errorf("gemini: unknown stream format %q", c.format)
	}
	if c.maxRetries < 0 {
		return nil, errors.New("gemini: retries must not be negative")
	}
	if c.retryBase <= 0 {
		c.retryBase = 200 * time.Millisecond
	}
	return c, nil
}

// defaultHTTPClient has no overall timeout, which would cut long streams short.
// Only the wait for response headers is bounded.
func defaultHTTPClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 60 * time.Second
	return &http.Client{Transport: t}
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return defaultHTTPClient()
}

// HasCredentials reports whether any key source is configured.
func (c *Client) HasCredentials() bool {
	return c.staticKey != "" || (c.getter != nil && c.paramPrefix != "")
}

// resolveAPIKey returns the static key, or fetches it from SSM. Only a
// successful fetch is cached; a failed one is retried by the next request.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.staticKey != "" {
		return c.staticKey, nil
	}
	if c.getter == nil || c.paramPrefix == "" {
		return "", fmt.Errorf("%w: no API key configured", ErrCredentials)
	}
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) tokenParameterName() string {
	return paramstore.Name(c.paramPrefix, paramstore.TokenKey)
}

func streamURL(baseURL, model string, format StreamFormat) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1beta") {
		base += "/v1beta"
	}
	u := base + "/models/" + url.PathEscape(model) + ":streamGenerateContent"
	if format == FormatSSE {
		u += "?alt=sse"
	}
	return u
}

func buildRequest(payload domain.RequestPayload, maxOutputTokens int) generateRequest {
	req := generateRequest{Contents: make([]content, 0, len(payload.Turns))}
	for _, t := range payload.Turns {
		req.Contents = append(req.Contents, content{
			Role:  string(t.Role),
			Parts: []part{{Text: t.Text}},
		})
	}
	if payload.SystemInstruction != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: payload.SystemInstruction}}}
	}
	if maxOutputTokens > 0 {
		req.GenerationConfig = &generationConfig{MaxOutputTokens: maxOutputTokens}
	}
	return req
}

// Open starts a streaming generation and returns the live response body.
// The caller owns the body and must close it. A non-2xx response is returned
// as *HTTPStatusError carrying the upstream body byte for byte.
func (c *Client) Open(ctx context.Context, payload domain.RequestPayload) (io.ReadCloser, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(payload, c.maxOutputTokens))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := streamURL(c.baseURL, c.model, c.format)

	var res *http.Response
	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return fmt.Errorf("gemini: create stream request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", apiKey)
		if c.format == FormatSSE {
			req.Header.Set("Accept", "text/event-stream")
		}

		var doErr error
		res, doErr = c.resolvedHTTPClient().Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				return doErr
			}
			return retry.RetryableError(doErr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: send stream request: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		return nil, &HTTPStatusError{
			StatusCode:  res.StatusCode,
			URL:         strings.SplitN(endpoint, "?", 2)[0],
			ContentType: res.Header.Get("Content-Type"),
			Body:        buf,
		}
	}
	return res.Body, nil
}

// Format reports the framing this client requests.
func (c *Client) Format() StreamFormat { return c.format }

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("gemini: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("gemini: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("gemini: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("gemini: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("gemini: API token is empty")
	}
	return tp.Token, nil
}
