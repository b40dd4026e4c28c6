package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"portfolio-relay/internal/domain"
)

// ---------------------------------------------------------------------------
// streamURL helper
// ---------------------------------------------------------------------------

func TestStreamURL(t *testing.T) {
	cases := []struct {
		base   string
		model  string
		format StreamFormat
		want   string
	}{
		{"https://generativelanguage.googleapis.com", "gemini-2.0-flash", FormatSSE, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse"},
		{"https://generativelanguage.googleapis.com/v1beta/", "gemini-2.0-flash", FormatJSON, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent"},
		{"http://localhost:8080", "m", FormatSSE, "http://localhost:8080/v1beta/models/m:streamGenerateContent?alt=sse"},
		{"", "m", FormatJSON, "https://generativelanguage.googleapis.com/v1beta/models/m:streamGenerateContent"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, streamURL(tc.base, tc.model, tc.format), "base=%q", tc.base)
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, defaultModel, c.model)
	require.Equal(t, FormatSSE, c.Format())
	require.False(t, c.HasCredentials())
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(WithModel(" "))
	require.ErrorContains(t, err, "model")

	_, err = NewClient(WithStreamFormat("xml"))
	require.ErrorContains(t, err, "stream format")

	_, err = NewClient(WithRetries(-1, time.Millisecond))
	require.ErrorContains(t, err, "retries")
}

// ---------------------------------------------------------------------------
// resolveAPIKey: SSM caching behaviour
// ---------------------------------------------------------------------------

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestResolveAPIKey_FetchedOnce(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"key-from-ssm"}`, onCall: func() { calls++ }}
	c, err := NewClient(WithParamStore(g, "/portfolio-relay/"))
	require.NoError(t, err)
	require.True(t, c.HasCredentials())

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "key-from-ssm", key)

	_, _ = c.resolveAPIKey(context.Background())
	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, calls, "SSM must only be called once per process lifetime")
}

func TestResolveAPIKey_StaticKeyWins(t *testing.T) {
	g := &fakeGetter{err: errors.New("should not be called")}
	c, err := NewClient(WithAPIKey("static"), WithParamStore(g, "/p"))
	require.NoError(t, err)
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "static", key)
}

func TestResolveAPIKey_Missing(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)
	_, err = c.resolveAPIKey(context.Background())
	require.ErrorIs(t, err, ErrCredentials)
}

func TestResolveAPIKey_SSMFailureIsCredentialsError(t *testing.T) {
	c, err := NewClient(WithParamStore(&fakeGetter{err: errors.New("ssm unavailable")}, "/p"))
	require.NoError(t, err)
	_, err = c.resolveAPIKey(context.Background())
	require.ErrorIs(t, err, ErrCredentials)
	require.ErrorContains(t, err, "ssm unavailable")
}

// ctxGetter fails the way the SSM SDK does when the caller's context is done.
type ctxGetter struct {
	val   string
	calls int
	name  string
}

func (g *ctxGetter) GetParameter(ctx context.Context, name string) (string, error) {
	g.calls++
	g.name = name
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.val, nil
}

func TestResolveAPIKey_CancelledFetchNotCached(t *testing.T) {
	g := &ctxGetter{val: `{"token":"key-from-ssm"}`}
	c, err := NewClient(WithParamStore(g, "/relay"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.resolveAPIKey(cancelled)
	require.ErrorIs(t, err, context.Canceled)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "key-from-ssm", key)

	_, err = c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, g.calls)
	require.Equal(t, "/relay/gemini-token", g.name)
}

func TestResolveAPIKey_FailureRetriedNextRequest(t *testing.T) {
	g := &fakeGetter{err: errors.New("throttled")}
	c, err := NewClient(WithParamStore(g, "/relay"))
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorIs(t, err, ErrCredentials)

	g.err = nil
	g.val = `{"token":"second-try"}`
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second-try", key)
}

// ---------------------------------------------------------------------------
// fetchAPIKeyFromParamStore
// ---------------------------------------------------------------------------

func TestFetchAPIKey(t *testing.T) {
	key, err := fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"token":"k"}`}, "/p/gemini-token")
	require.NoError(t, err)
	require.Equal(t, "k", key)

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"other":"value"}`}, "/p/gemini-token")
	require.ErrorContains(t, err, "API token is empty")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"broken`}, "/p/gemini-token")
	require.ErrorContains(t, err, "unmarshal")

	_, err = fetchAPIKeyFromParamStore(context.Background(), nil, "/p/gemini-token")
	require.ErrorContains(t, err, "nil")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{}, " ")
	require.ErrorContains(t, err, "empty")
}

// ---------------------------------------------------------------------------
// Client.Open
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithAPIKey("test-key"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}
	c, err := NewClient(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestClient_Open_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1beta/models/gemini-test:streamGenerateContent", r.URL.Path)
		require.Equal(t, "sse", r.URL.Query().Get("alt"))
		require.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 2)
		require.Equal(t, "model", req.Contents[0].Role)
		require.Equal(t, "hi", req.Contents[1].Parts[0].Text)
		require.NotNil(t, req.SystemInstruction)
		require.Equal(t, "be brief", req.SystemInstruction.Parts[0].Text)
		require.NotNil(t, req.GenerationConfig)
		require.Equal(t, 1000, req.GenerationConfig.MaxOutputTokens)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithModel("gemini-test"), WithMaxOutputTokens(1000))
	body, err := c.Open(context.Background(), domain.RequestPayload{
		Turns: []domain.Turn{
			{Role: domain.RoleModel, Text: "earlier"},
			{Role: domain.RoleUser, Text: "hi"},
		},
		SystemInstruction: "be brief",
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "data: {}\n\n", string(raw))
}

func TestClient_Open_JSONFormatOmitsOptionalFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.URL.RawQuery)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NotContains(t, string(raw), "systemInstruction")
		require.NotContains(t, string(raw), "generationConfig")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithStreamFormat(FormatJSON))
	body, err := c.Open(context.Background(), domain.RequestPayload{Turns: []domain.Turn{{Role: domain.RoleUser, Text: "x"}}})
	require.NoError(t, err)
	require.NoError(t, body.Close())
}

func TestClient_Open_Non200KeepsBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Open(context.Background(), domain.RequestPayload{})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Equal(t, `{"error":"rate limited"}`, string(statusErr.Body))
	require.Equal(t, "application/json", statusErr.ContentType)
	require.NotContains(t, statusErr.URL, "?")
	require.Contains(t, err.Error(), "429")
}

func TestClient_Open_StatusErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithRetries(3, time.Millisecond))
	_, err := c.Open(context.Background(), domain.RequestPayload{})
	require.Error(t, err)
	require.Equal(t, int32(1), hits.Load())
}

func TestClient_Open_MissingCredentials(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)
	_, err = c.Open(context.Background(), domain.RequestPayload{})
	require.ErrorIs(t, err, ErrCredentials)
}

// closingListener accepts connections and drops them immediately, so every
// request fails before a response arrives.
func closingListener(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = conn.Close()
		}
	}()
	return "http://" + ln.Addr().String(), &accepted
}

func TestClient_Open_TransportErrorSingleAttemptByDefault(t *testing.T) {
	addr, accepted := closingListener(t)
	c, err := NewClient(WithAPIKey("k"), WithBaseURL(addr), WithHTTPClient(&http.Client{Timeout: time.Second}))
	require.NoError(t, err)

	_, err = c.Open(context.Background(), domain.RequestPayload{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "send stream request")
	require.NotErrorIs(t, err, ErrCredentials)
	require.Equal(t, int32(1), accepted.Load())
}

func TestClient_Open_TransportErrorRetried(t *testing.T) {
	addr, accepted := closingListener(t)
	c, err := NewClient(
		WithAPIKey("k"),
		WithBaseURL(addr),
		WithHTTPClient(&http.Client{Timeout: time.Second}),
		WithRetries(2, time.Millisecond),
	)
	require.NoError(t, err)

	_, err = c.Open(context.Background(), domain.RequestPayload{})
	require.Error(t, err)
	require.Equal(t, int32(3), accepted.Load())
}

func TestClient_Open_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithRetries(5, time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Open(ctx, domain.RequestPayload{})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
