package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netgate/internal/journal"
	"netgate/internal/loader"
	"netgate/internal/metrics"
	"netgate/internal/service"
	"netgate/internal/testutil"
	"netgate/pkg/model"
	"netgate/pkg/rulespec"
	"netgate/pkg/traffic"
)

type fixture struct {
	svc     *service.Service
	journal *journal.Journal
	srv     *httptest.Server
	id      model.ProfileID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := testutil.NewTestLogger(t)
	j, err := journal.Open(journal.Options{Logger: l})
	require.NoError(t, err)
	m := metrics.New()
	svc := service.New(service.Options{
		Transport: testutil.NewScriptedTransport().Fallback(testutil.Script{Chunks: []string{"abc"}}),
		Observers: []loader.Observer{j, m},
		Logger:    l,
	})
	id, err := svc.CreateProfile("main", model.ProfileConfig{Name: "main"})
	require.NoError(t, err)

	srv := httptest.NewServer(New(Config{Gateway: svc, Journal: j, Metrics: m.Handler(), Logger: l}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		_ = j.Close()
	})
	return &fixture{svc: svc, journal: j, srv: srv, id: id}
}

func (f *fixture) request(t *testing.T, raw string) traffic.Result {
	t.Helper()
	c := testutil.NewRecordingClient()
	req := traffic.NewRequest(http.MethodGet, testutil.MustParse(raw))
	req.ID = strings.TrimPrefix(testutil.MustParse(raw).Path, "/")
	_, err := f.svc.CreateLoader(context.Background(), f.id, req, c)
	require.NoError(t, err)
	return c.Wait(t)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndProfiles(t *testing.T) {
	f := newFixture(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var profiles []model.ProfileInfo
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/profiles", &profiles))
	require.Len(t, profiles, 1)
	assert.Equal(t, model.ProfileID("main"), profiles[0].ID)

	var status map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/status", &status))
	assert.EqualValues(t, 1, status["profiles"])
}

func TestLiveAndRuleStats(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.LoadRules(f.id, rulespec.RuleSet{Rules: []rulespec.Rule{{
		ID:     "blk",
		Match:  rulespec.Match{AllOf: []rulespec.Condition{{Type: rulespec.ConditionURL, Mode: "prefix", Pattern: "https://ads."}}},
		Action: rulespec.Action{Fail: &rulespec.Fail{}},
	}}}))
	assert.ErrorIs(t, f.request(t, "https://ads.example/r1").Err, traffic.ErrBlockedByClient)

	var live []model.PendingItem
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/profiles/main/live", &live))
	assert.Empty(t, live)

	var stats model.EngineStats
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/profiles/main/rules/stats", &stats))
	assert.EqualValues(t, 1, stats.ByRule["blk"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/profiles/nope/live", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/profiles/nope/rules/stats", nil))
}

func TestJournalEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.request(t, "https://a.example/r1").Err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.journal.Flush(ctx))

	var recs []recordView
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/journal?profile=main&limit=10", &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].RequestID)
	assert.Equal(t, "success", recs[0].Result)
	assert.EqualValues(t, 3, recs[0].Bytes)
	assert.Empty(t, recs[0].Redirects)

	var rec recordView
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/journal/r1", &rec))
	assert.Equal(t, "https://a.example/r1", rec.URL)

	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/journal/missing", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.srv.URL+"/journal?limit=x", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.request(t, "https://a.example/r1").Err)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `netgate_requests_finished_total{profile="main",result="success"} 1`)
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/profiles/main/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 订阅在升级前完成，此时发起的请求一定能收到
	require.NoError(t, f.request(t, "https://a.example/r1").Err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for {
		var ev model.Event
		require.NoError(t, conn.ReadJSON(&ev))
		types = append(types, ev.Type)
		if ev.Terminal() {
			break
		}
	}
	assert.Equal(t, []string{model.EventStarted, model.EventForwarded, model.EventCompleted}, types)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws/profiles/nope/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
