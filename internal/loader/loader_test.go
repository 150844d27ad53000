package loader

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netgate/internal/scheme"
	"netgate/internal/sequence"
	"netgate/internal/testutil"
	"netgate/pkg/intercept"
	"netgate/pkg/model"
	"netgate/pkg/traffic"
)

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (e *eventLog) Observe(ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types(requestID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if requestID == "" || ev.RequestID == requestID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (e *eventLog) last(typ string) (model.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].Type == typ {
			return e.events[i], true
		}
	}
	return model.Event{}, false
}

type fixture struct {
	t         *testing.T
	transport *testutil.ScriptedTransport
	reg       *intercept.Registry
	factory   *Factory
	tr        *sequence.Runner
	pol       *sequence.Runner
	events    *eventLog
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	l := testutil.NewTestLogger(t)
	f := &fixture{
		t:         t,
		transport: testutil.NewScriptedTransport(),
		reg:       intercept.NewRegistry(),
		tr:        sequence.New("transport", l),
		pol:       sequence.New("policy", l),
		events:    &eventLog{},
	}
	cfg := Config{
		Transport:       f.transport,
		Policy:          scheme.NewPolicy(scheme.NewDefaultTable(), nil),
		Interceptors:    f.reg,
		TransportRunner: f.tr,
		PolicyRunner:    f.pol,
		Profile:         "test",
		Observers:       []Observer{f.events},
		Logger:          l,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.factory = New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.factory.Shutdown(ctx)
		f.pol.Stop()
		f.tr.Stop()
	})
	return f
}

func (f *fixture) start(req *traffic.Request) (*testutil.RecordingClient, traffic.Loader) {
	f.t.Helper()
	c := testutil.NewRecordingClient()
	l, err := f.factory.CreateLoader(context.Background(), req, c)
	require.NoError(f.t, err)
	return c, l
}

// flush 等待两个执行上下文中已排队的任务执行完
func (f *fixture) flush() {
	f.t.Helper()
	for i := 0; i < 3; i++ {
		require.NoError(f.t, f.pol.Call(context.Background(), func() {}))
		require.NoError(f.t, f.tr.Call(context.Background(), func() {}))
	}
}

func (f *fixture) liveCount() int {
	items, err := f.factory.Live(context.Background())
	require.NoError(f.t, err)
	return len(items)
}

func newRequest(raw string, rt traffic.ResourceType) *traffic.Request {
	req := traffic.NewRequest(http.MethodGet, testutil.MustParse(raw))
	req.ResourceType = rt
	return req
}

func TestForwardCompletesSuccess(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/a", testutil.Script{Chunks: []string{"hello", " world"}})

	req := newRequest("https://example.com/a", traffic.ResourceMainFrame)
	req.ID = "req-1"
	c, _ := f.start(req)
	res := c.Wait(t)

	require.NoError(t, res.Err)
	assert.EqualValues(t, 11, res.ReceivedBytes)
	_, body := c.Snapshot()
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, []string{"https://example.com/a"}, f.transport.URLs())

	f.flush()
	assert.Equal(t, []string{model.EventStarted, model.EventForwarded, model.EventCompleted}, f.events.types("req-1"))
	assert.Zero(t, f.liveCount())
}

func TestBlockedByInterceptorStreamsNothing(t *testing.T) {
	f := newFixture(t)
	f.transport.Fallback(testutil.Script{Chunks: []string{"secret"}})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		info.Block(true)
		return nil
	}))

	c, _ := f.start(newRequest("https://example.com/a", traffic.ResourceScript))
	res := c.Wait(t)

	assert.ErrorIs(t, res.Err, traffic.ErrBlockedByClient)
	assert.Zero(t, res.ReceivedBytes)
	_, body := c.Snapshot()
	assert.Empty(t, body)
	assert.Empty(t, f.transport.Requests())
	f.flush()
	assert.Equal(t, 1, c.Completions())
}

func TestPolicyRedirectSurfacedForNavigation(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/b", testutil.Script{Chunks: []string{"b"}})
	var seen []string
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		seen = append(seen, info.RequestURL().Path)
		if info.RequestURL().Path == "/a" {
			info.RedirectTo(testutil.MustParse("https://example.com/b"))
		}
		return nil
	}))

	c, _ := f.start(newRequest("https://example.com/a", traffic.ResourceMainFrame))
	res := c.Wait(t)
	require.NoError(t, res.Err)

	redirects, body := c.Snapshot()
	require.Len(t, redirects, 1)
	assert.False(t, redirects[0].FromServer)
	require.Len(t, redirects[0].Chain, 1)
	assert.Equal(t, "https://example.com/b", redirects[0].Chain[0].String())
	assert.Equal(t, "https://example.com/b", redirects[0].Info.NewURL.String())
	assert.Equal(t, "b", string(body))
	assert.Equal(t, []string{"https://example.com/b"}, f.transport.URLs())

	f.flush()
	assert.Equal(t, []string{"/a", "/b"}, seen)
	done, ok := f.events.last(model.EventCompleted)
	require.True(t, ok)
	assert.Equal(t, 2, done.Attempt)
}

func TestPolicyRedirectSilentForSubresource(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://cdn.example.com/lib.js", testutil.Script{Chunks: []string{"js"}})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		if info.RequestURL().Host == "example.com" {
			info.RedirectTo(testutil.MustParse("https://cdn.example.com/lib.js"))
		}
		return nil
	}))

	req := newRequest("https://example.com/lib.js", traffic.ResourceScript)
	req.Method = http.MethodPost
	req.Body = []byte("payload")
	req.Headers.Set("Content-Type", "text/plain")
	c, _ := f.start(req)
	require.NoError(t, c.Wait(t).Err)

	redirects, _ := c.Snapshot()
	assert.Empty(t, redirects)
	sent := f.transport.Requests()
	require.Len(t, sent, 1)
	assert.Equal(t, http.MethodGet, sent[0].Method)
	assert.Nil(t, sent[0].Body)
	assert.False(t, sent[0].Headers.Has("content-type"))
	assert.Equal(t, traffic.NavigationRedirect, sent[0].NavigationType)
}

func TestPolicyRedirectPreservesMethodWhenConfigured(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PreservePolicyRedirectMethod = true })
	f.transport.Handle("https://example.com/b", testutil.Script{})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		info.RedirectTo(testutil.MustParse("https://example.com/b"))
		return nil
	}))

	req := newRequest("https://example.com/a", traffic.ResourceXHR)
	req.Method = http.MethodPost
	req.Body = []byte("payload")
	c, _ := f.start(req)
	require.NoError(t, c.Wait(t).Err)

	sent := f.transport.Requests()
	require.Len(t, sent, 1)
	assert.Equal(t, http.MethodPost, sent[0].Method)
	assert.Equal(t, "payload", string(sent[0].Body))
}

func TestServerRedirectFunnelsThroughRestart(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/a", testutil.Script{Status: http.StatusFound, RedirectTo: "/b"})
	f.transport.Handle("https://example.com/elsewhere", testutil.Script{Chunks: []string{"ok"}})

	var mu sync.Mutex
	evaluated := map[string]int{}
	f.reg.SetPageInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		mu.Lock()
		evaluated[info.RequestURL().Path]++
		mu.Unlock()
		if info.RequestURL().Path == "/b" {
			info.RedirectTo(testutil.MustParse("https://example.com/elsewhere"))
		}
		return nil
	}))

	c, _ := f.start(newRequest("https://example.com/a", traffic.ResourceMainFrame))
	require.NoError(t, c.Wait(t).Err)

	redirects, body := c.Snapshot()
	require.Len(t, redirects, 2)
	// 服务端重定向先经 restart 进入第二次尝试，拦截器在该尝试中再重定向
	assert.True(t, redirects[0].FromServer)
	assert.Equal(t, http.StatusFound, redirects[0].Info.StatusCode)
	assert.Equal(t, "https://example.com/b", redirects[0].Info.NewURL.String())
	assert.Len(t, redirects[0].Chain, 1)
	assert.False(t, redirects[1].FromServer)
	assert.Equal(t, http.StatusSeeOther, redirects[1].Info.StatusCode)
	assert.Equal(t, "https://example.com/elsewhere", redirects[1].Info.NewURL.String())
	assert.Len(t, redirects[1].Chain, 2)
	assert.Equal(t, "ok", string(body))
	// /b 在发往传输层之前就被改写
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/elsewhere"}, f.transport.URLs())

	f.flush()
	mu.Lock()
	assert.Equal(t, map[string]int{"/a": 1, "/b": 1, "/elsewhere": 1}, evaluated)
	mu.Unlock()
	done, ok := f.events.last(model.EventCompleted)
	require.True(t, ok)
	assert.Equal(t, 3, done.Attempt)
	assert.Equal(t, []string{"https://example.com/b", "https://example.com/elsewhere"}, done.Redirects)
}

// manualClient 自行跟随重定向的调用方
type manualClient struct {
	*testutil.RecordingClient
}

func (manualClient) FollowRedirects() bool { return false }

func TestServerRedirectNotFollowedForManualClient(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/a", testutil.Script{Status: http.StatusTemporaryRedirect, RedirectTo: "/b"})

	c := manualClient{testutil.NewRecordingClient()}
	req := newRequest("https://example.com/a", traffic.ResourceXHR)
	req.Method = http.MethodPost
	req.Body = []byte("payload")
	_, err := f.factory.CreateLoader(context.Background(), req, c)
	require.NoError(t, err)
	require.NoError(t, c.Wait(t).Err)

	redirects, _ := c.Snapshot()
	require.Len(t, redirects, 1)
	assert.Equal(t, "https://example.com/b", redirects[0].Info.NewURL.String())
	assert.Equal(t, []string{"https://example.com/a"}, f.transport.URLs())

	f.flush()
	assert.Equal(t, 1, c.Completions())
	done, ok := f.events.last(model.EventCompleted)
	require.True(t, ok)
	assert.Equal(t, 1, done.Attempt)
	assert.Equal(t, http.StatusTemporaryRedirect, done.Status)
	assert.Zero(t, f.liveCount())
}

func TestPolicyRedirectNotFollowedForManualClient(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/b", testutil.Script{Chunks: []string{"sub"}})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		if info.RequestURL().Path == "/a" {
			info.RedirectTo(testutil.MustParse("https://example.com/b"))
		}
		return nil
	}))

	nav := manualClient{testutil.NewRecordingClient()}
	_, err := f.factory.CreateLoader(context.Background(), newRequest("https://example.com/a", traffic.ResourceMainFrame), nav)
	require.NoError(t, err)
	require.NoError(t, nav.Wait(t).Err)
	redirects, _ := nav.Snapshot()
	require.Len(t, redirects, 1)
	assert.Empty(t, f.transport.URLs())

	// 子资源的策略重定向对调用方不可见，仍由网关跟随
	sub := manualClient{testutil.NewRecordingClient()}
	_, err = f.factory.CreateLoader(context.Background(), newRequest("https://example.com/a", traffic.ResourceImage), sub)
	require.NoError(t, err)
	require.NoError(t, sub.Wait(t).Err)
	_, body := sub.Snapshot()
	assert.Equal(t, "sub", string(body))
	assert.Equal(t, []string{"https://example.com/b"}, f.transport.URLs())
}

func TestServerRedirectToLocalSchemeDenied(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/a", testutil.Script{Status: http.StatusFound, RedirectTo: "file:///etc/passwd"})

	req := newRequest("https://example.com/a", traffic.ResourceImage)
	req.Initiator = testutil.MustParse("https://example.com")
	c, _ := f.start(req)
	res := c.Wait(t)

	assert.ErrorIs(t, res.Err, traffic.ErrAccessDenied)
	assert.Equal(t, []string{"https://example.com/a"}, f.transport.URLs())
}

func TestServerRedirectCeiling(t *testing.T) {
	f := newFixture(t)
	f.transport.Fallback(testutil.Script{Status: http.StatusMovedPermanently, RedirectTo: "/next"})

	c, _ := f.start(newRequest("https://example.com/start", traffic.ResourceMainFrame))
	res := c.Wait(t)

	assert.ErrorIs(t, res.Err, traffic.ErrTooManyRedirects)
	redirects, _ := c.Snapshot()
	assert.Len(t, redirects, DefaultMaxRedirects)
	assert.Len(t, f.transport.Requests(), DefaultMaxRedirects+1)
	f.flush()
	assert.Equal(t, 1, c.Completions())
}

func TestPolicyRedirectLoopTerminates(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRedirects = 5 })
	var calls atomic.Int32
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		calls.Add(1)
		if info.RequestURL().Path == "/a" {
			info.RedirectTo(testutil.MustParse("https://example.com/b"))
		} else {
			info.RedirectTo(testutil.MustParse("https://example.com/a"))
		}
		return nil
	}))

	c, _ := f.start(newRequest("https://example.com/a", traffic.ResourceXHR))
	res := c.Wait(t)

	assert.ErrorIs(t, res.Err, traffic.ErrTooManyRedirects)
	assert.EqualValues(t, 6, calls.Load())
	assert.Empty(t, f.transport.Requests())
}

func TestAccessDeniedSkipsInterceptor(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		calls.Add(1)
		return nil
	}))

	req := newRequest("file:///tmp/secret.png", traffic.ResourceImage)
	req.Initiator = testutil.MustParse("https://example.com")
	c, _ := f.start(req)
	res := c.Wait(t)

	assert.ErrorIs(t, res.Err, traffic.ErrAccessDenied)
	f.flush()
	assert.Zero(t, calls.Load())
	assert.Empty(t, f.transport.Requests())
	assert.Contains(t, f.events.types(""), model.EventDenied)
}

func TestLocalToLocalAllowed(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("file:///site/img.png", testutil.Script{Chunks: []string{"png"}})

	req := newRequest("file:///site/img.png", traffic.ResourceImage)
	req.Initiator = testutil.MustParse("file:///site/index.html")
	c, _ := f.start(req)

	require.NoError(t, c.Wait(t).Err)
	assert.Equal(t, []string{"file:///site/img.png"}, f.transport.URLs())
}

func TestTransportErrorPassthrough(t *testing.T) {
	f := newFixture(t)
	connReset := errors.New("connection reset by peer")
	f.transport.Handle("https://example.com/a", testutil.Script{Chunks: []string{"par"}, Err: connReset})

	c, _ := f.start(newRequest("https://example.com/a", traffic.ResourceXHR))
	res := c.Wait(t)

	assert.ErrorIs(t, res.Err, connReset)
	assert.Equal(t, traffic.KindTransport, traffic.Kind(res.Err))
	assert.EqualValues(t, 3, res.ReceivedBytes)
}

func TestCreateLoaderErrorPassthrough(t *testing.T) {
	f := newFixture(t)
	f.transport.CreateErr = errors.New("no route")

	c, _ := f.start(newRequest("https://example.com/a", traffic.ResourceXHR))
	res := c.Wait(t)
	assert.EqualError(t, res.Err, "no route")
}

func TestAllowMergesHeadersAndReferrer(t *testing.T) {
	f := newFixture(t)
	f.transport.Fallback(testutil.Script{})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		info.SetHeader("X-Token", "policy")
		info.SetHeader("Referer", "https://ref.example/")
		return nil
	}))

	req := newRequest("https://example.com/a", traffic.ResourceXHR)
	req.Headers.Set("x-token", "original")
	req.Headers.Set("Accept", "*/*")
	c, _ := f.start(req)
	require.NoError(t, c.Wait(t).Err)

	sent := f.transport.Requests()
	require.Len(t, sent, 1)
	assert.Equal(t, traffic.Header{"x-token": "policy", "accept": "*/*"}, sent[0].Headers)
	assert.Equal(t, "https://ref.example/", sent[0].Referrer)
}

func TestInterceptorPanicFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.transport.Fallback(testutil.Script{Chunks: []string{"ok"}})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		if info.RequestURL().Path == "/a" {
			panic("bad interceptor")
		}
		info.Block(true)
		return nil
	}))

	a, _ := f.start(newRequest("https://example.com/a", traffic.ResourceXHR))
	b, _ := f.start(newRequest("https://example.com/b", traffic.ResourceXHR))

	assert.NoError(t, a.Wait(t).Err)
	assert.ErrorIs(t, b.Wait(t).Err, traffic.ErrBlockedByClient)
	f.flush()
	assert.Contains(t, f.events.types(""), model.EventInterceptorError)
}

func TestCancelDuringEvaluation(t *testing.T) {
	f := newFixture(t)
	f.transport.Fallback(testutil.Script{})
	entered := make(chan struct{})
	release := make(chan struct{})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		close(entered)
		<-release
		return nil
	}))

	c, l := f.start(newRequest("https://example.com/a", traffic.ResourceXHR))
	<-entered
	l.Cancel()
	res := c.Wait(t)
	assert.ErrorIs(t, res.Err, traffic.ErrAborted)

	close(release)
	f.flush()
	assert.Equal(t, 1, c.Completions())
	assert.Empty(t, f.transport.Requests())
	assert.Zero(t, f.liveCount())
}

func TestCancelWhileStreamingWaitsForTransport(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/stream", testutil.Script{Chunks: []string{"part"}, Hold: true})

	c := testutil.NewRecordingClient()
	gotData := make(chan struct{}, 1)
	c.OnDataHook = func([]byte) { gotData <- struct{}{} }
	l, err := f.factory.CreateLoader(context.Background(), newRequest("https://example.com/stream", traffic.ResourceMedia), c)
	require.NoError(t, err)
	<-gotData

	l.Cancel()
	res := c.Wait(t)
	assert.ErrorIs(t, res.Err, traffic.ErrAborted)
	assert.EqualValues(t, 4, res.ReceivedBytes)

	require.Eventually(t, func() bool { return f.liveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.transport.Cancelled())
	assert.Equal(t, 1, c.Completions())
}

func TestCallerContextCancelAborts(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/stream", testutil.Script{Hold: true})

	ctx, cancel := context.WithCancel(context.Background())
	c := testutil.NewRecordingClient()
	_, err := f.factory.CreateLoader(ctx, newRequest("https://example.com/stream", traffic.ResourceXHR), c)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.transport.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, c.Wait(t).Err, traffic.ErrAborted)
}

func TestVerdictTimeoutDegradesToAllow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.VerdictTimeout = 20 * time.Millisecond })
	f.transport.Fallback(testutil.Script{Chunks: []string{"ok"}})
	release := make(chan struct{})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		<-release
		info.Block(true)
		return nil
	}))

	c, _ := f.start(newRequest("https://example.com/slow", traffic.ResourceXHR))
	res := c.Wait(t)
	require.NoError(t, res.Err)

	// 迟到的阻止裁决被丢弃
	close(release)
	f.flush()
	assert.Equal(t, 1, c.Completions())
	assert.Contains(t, f.events.types(""), model.EventDegraded)
	assert.NotContains(t, f.events.types(""), model.EventBlocked)
}

func TestLiveListsStreamingRequests(t *testing.T) {
	f := newFixture(t)
	f.transport.Handle("https://example.com/stream", testutil.Script{Chunks: []string{"x"}, Hold: true})

	c := testutil.NewRecordingClient()
	gotData := make(chan struct{}, 1)
	c.OnDataHook = func([]byte) { gotData <- struct{}{} }
	req := newRequest("https://example.com/stream", traffic.ResourceMedia)
	req.ID = "live-1"
	l, err := f.factory.CreateLoader(context.Background(), req, c)
	require.NoError(t, err)
	<-gotData

	items, err := f.factory.Live(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "live-1", items[0].ID)
	assert.Equal(t, "streaming", items[0].Stage)
	assert.Equal(t, "media", items[0].Resource)
	assert.Equal(t, 1, items[0].Attempt)
	l.Cancel()
}

func TestShutdownAbortsLiveRequests(t *testing.T) {
	f := newFixture(t)
	f.transport.Fallback(testutil.Script{Chunks: []string{"x"}, Hold: true})

	var clients []*testutil.RecordingClient
	for i := 0; i < 3; i++ {
		c, _ := f.start(newRequest("https://example.com/hold", traffic.ResourceXHR))
		clients = append(clients, c)
	}
	require.Eventually(t, func() bool { return len(f.transport.Requests()) == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.factory.Shutdown(ctx))

	for _, c := range clients {
		assert.ErrorIs(t, c.Wait(t).Err, traffic.ErrAborted)
		assert.Equal(t, 1, c.Completions())
	}
	assert.Equal(t, 3, f.transport.Cancelled())

	_, err := f.factory.CreateLoader(context.Background(), newRequest("https://example.com/late", traffic.ResourceXHR), testutil.NewRecordingClient())
	assert.ErrorIs(t, err, ErrFactoryShutdown)
}

func TestShutdownWithoutLiveRequests(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.factory.Shutdown(ctx))
	assert.NoError(t, f.factory.Shutdown(ctx))
}

func TestExactlyOnceUnderInterleavings(t *testing.T) {
	f := newFixture(t)
	f.transport.Fallback(testutil.Script{Chunks: []string{"a", "b", "c"}})
	f.transport.Handle("https://example.com/hold", testutil.Script{Chunks: []string{"h"}, Hold: true})
	f.transport.Handle("https://example.com/redirect", testutil.Script{RedirectTo: "/target"})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		if d := time.Duration(rand.Intn(200)) * time.Microsecond; d > 0 {
			time.Sleep(d)
		}
		switch info.RequestURL().Path {
		case "/block":
			info.Block(true)
		case "/soft":
			info.RedirectTo(testutil.MustParse("https://example.com/target"))
		}
		return nil
	}))

	paths := []string{"/plain", "/block", "/soft", "/redirect", "/hold"}
	const n = 150
	clients := make([]*testutil.RecordingClient, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := paths[i%len(paths)]
			c := testutil.NewRecordingClient()
			clients[i] = c
			l, err := f.factory.CreateLoader(context.Background(), newRequest("https://example.com"+p, traffic.ResourceSubFrame), c)
			if err != nil {
				t.Error(err)
				return
			}
			if p == "/hold" || i%3 == 0 {
				time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
				l.Cancel()
				l.Cancel()
			}
		}()
	}
	wg.Wait()

	for _, c := range clients {
		c.Wait(t)
	}
	require.Eventually(t, func() bool { return f.liveCount() == 0 }, 3*time.Second, 10*time.Millisecond)
	f.flush()
	for i, c := range clients {
		assert.Equal(t, 1, c.Completions(), "request %d", i)
	}
}

func TestDecide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.factory.Decide(ctx, newRequest("https://example.com/a", traffic.ResourceXHR))
	require.NoError(t, err)
	assert.Equal(t, intercept.Allow{}, v)

	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		if info.RequestURL().Path == "/ads" {
			info.Block(true)
		}
		return nil
	}))
	v, err = f.factory.Decide(ctx, newRequest("https://example.com/ads", traffic.ResourceImage))
	require.NoError(t, err)
	assert.Equal(t, "block", v.String())

	req := newRequest("file:///etc/hosts", traffic.ResourceXHR)
	req.Initiator = testutil.MustParse("https://example.com")
	_, err = f.factory.Decide(ctx, req)
	assert.ErrorIs(t, err, traffic.ErrAccessDenied)
}

func TestDecideTimeoutDegrades(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.VerdictTimeout = 20 * time.Millisecond })
	release := make(chan struct{})
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		<-release
		info.Block(true)
		return nil
	}))

	req := newRequest("https://example.com/a", traffic.ResourceXHR)
	req.ID = "slow"
	v, err := f.factory.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, intercept.Allow{}, v)
	f.flush()
	close(release)
	f.flush()
	// 超时之后到达的阻止裁决被丢弃
	assert.Equal(t, []string{model.EventStarted, model.EventDegraded, model.EventCompleted}, f.events.types("slow"))
}

func TestDecideEmitsOneTerminalEvent(t *testing.T) {
	f := newFixture(t)
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		switch info.RequestURL().Path {
		case "/ads":
			info.Block(true)
		case "/old":
			info.RedirectTo(testutil.MustParse("https://example.com/new"))
		}
		return nil
	}))
	decide := func(id, raw string) error {
		req := newRequest(raw, traffic.ResourceImage)
		req.ID = id
		req.Initiator = testutil.MustParse("https://example.com")
		_, err := f.factory.Decide(context.Background(), req)
		return err
	}

	require.NoError(t, decide("allow", "https://example.com/a"))
	require.NoError(t, decide("block", "https://example.com/ads"))
	require.NoError(t, decide("redirect", "https://example.com/old"))
	assert.ErrorIs(t, decide("deny", "file:///etc/hosts"), traffic.ErrAccessDenied)
	f.flush()

	assert.Equal(t, []string{model.EventStarted, model.EventForwarded, model.EventCompleted}, f.events.types("allow"))
	assert.Equal(t, []string{model.EventStarted, model.EventBlocked, model.EventFailed}, f.events.types("block"))
	assert.Equal(t, []string{model.EventStarted, model.EventRedirected, model.EventCompleted}, f.events.types("redirect"))
	assert.Equal(t, []string{model.EventStarted, model.EventDenied, model.EventFailed}, f.events.types("deny"))

	failed, ok := f.events.last(model.EventFailed)
	require.True(t, ok)
	assert.Equal(t, "deny", failed.RequestID)
	assert.Equal(t, traffic.KindAccessDenied, failed.Result)
	assert.Equal(t, 1, failed.Attempt)
}

func TestDecideCallerCancelAborts(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.reg.SetProfileInterceptor(intercept.InterceptorFunc(func(ctx context.Context, info *intercept.RequestInfo) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := newRequest("https://example.com/a", traffic.ResourceXHR)
	req.ID = "gone"
	_, err := f.factory.Decide(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool {
		_, ok := f.events.last(model.EventAborted)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{model.EventStarted, model.EventAborted}, f.events.types("gone"))
}
