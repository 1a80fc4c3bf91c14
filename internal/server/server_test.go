package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairbot/internal/domain"
	"github.com/alanyoungcy/pairbot/internal/gateway/paper"
	"github.com/alanyoungcy/pairbot/internal/metrics"
	"github.com/alanyoungcy/pairbot/internal/pairtrade"
	"github.com/alanyoungcy/pairbot/internal/server/handler"
	"github.com/alanyoungcy/pairbot/internal/service"
)

const apiKey = "secret"

var instruments = map[string]domain.Instrument{
	"A": {ID: "A", Multiplier: 1},
	"B": {ID: "B", Multiplier: 1},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiHarness struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := quietLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	book := pairtrade.NewQuoteBook()
	venue := paper.New(paper.Config{}, book, logger)
	orch := pairtrade.NewOrchestrator(pairtrade.Config{UnwindInterval: 20 * time.Millisecond}, book, venue, logger)
	orch.SetMetrics(rec)
	venue.Attach(orch)
	go func() { _ = venue.Run(ctx) }()
	t.Cleanup(orch.Close)

	quotes := service.NewQuoteService(book, logger, book, venue)
	quotes.SetMetrics(rec)

	resolve := func(id string) (domain.Instrument, bool) {
		in, ok := instruments[id]
		return in, ok
	}
	s := NewServer(Config{APIKey: apiKey}, Handlers{
		Health:  handler.NewHealthHandler("trade", func() int { return len(orch.ListRunning()) }),
		Pairs:   handler.NewPairHandler(orch, resolve, nil, 50*time.Millisecond, logger),
		Quotes:  handler.NewQuoteHandler(quotes, true, logger),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger)

	h := &apiHarness{t: t, srv: httptest.NewServer(s.Handler())}
	t.Cleanup(h.srv.Close)
	return h
}

func (h *apiHarness) do(method, path string, body any, authed bool) (*http.Response, []byte) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, data
}

func (h *apiHarness) pair(id string) map[string]any {
	h.t.Helper()
	resp, body := h.do(http.MethodGet, "/api/pairs/"+id, nil, true)
	require.Equal(h.t, http.StatusOK, resp.StatusCode, string(body))
	var out map[string]any
	require.NoError(h.t, json.Unmarshal(body, &out))
	return out
}

// pairState fetches a pair's state without failing the test; it runs inside
// Eventually's polling goroutine.
func (h *apiHarness) pairState(id string) string {
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/pairs/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var out struct {
		State string `json:"state"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out.State
}

func pairRequest() map[string]any {
	return map[string]any{
		"leg1":          "A",
		"leg2":          "B",
		"target_spread": "2.0",
		"direction":     "buy",
		"quantity":      1,
		"tolerance":     "1h",
	}
}

func TestServer_HealthAndMetricsSkipAuth(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(http.MethodGet, "/api/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"running_pairs":0`)

	resp, _ = h.do(http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(http.MethodGet, "/api/pairs/running", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = h.do(http.MethodGet, "/api/pairs/running", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_SubmitWaitsThenFillsOnQuotes(t *testing.T) {
	h := newAPIHarness(t)

	// no quotes yet: the trigger stays armed past the submit timeout
	resp, body := h.do(http.MethodPost, "/api/pairs", pairRequest(), true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var armed map[string]any
	require.NoError(t, json.Unmarshal(body, &armed))
	assert.Equal(t, "armed", armed["state"])
	id := armed["id"].(string)

	for _, q := range []map[string]any{
		{"instrument": "A", "bid": "9.5", "ask": "10"},
		{"instrument": "B", "bid": "8.5", "ask": "9"},
	} {
		resp, _ = h.do(http.MethodPost, "/api/quotes", q, true)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	// both legs cross the touch on the paper venue and fill at once
	require.Eventually(t, func() bool {
		return h.pairState(id) == "finished"
	}, 2*time.Second, 10*time.Millisecond)
	got := h.pair(id)
	assert.Equal(t, "all_filled", got["finish_reason"])
	assert.Len(t, got["legs"], 2)

	resp, body = h.do(http.MethodGet, "/api/pairs/finished", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), id)

	resp, body = h.do(http.MethodGet, "/api/quotes/A", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ask":"10"`)
}

func TestServer_SubmitReturnsCreatedWhenTriggerFires(t *testing.T) {
	h := newAPIHarness(t)
	h.do(http.MethodPost, "/api/quotes", map[string]any{"instrument": "A", "bid": "9.5", "ask": "10"}, true)
	h.do(http.MethodPost, "/api/quotes", map[string]any{"instrument": "B", "bid": "8.5", "ask": "9"}, true)

	resp, body := h.do(http.MethodPost, "/api/pairs", pairRequest(), true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"init_time"`)
}

func TestServer_SubmitValidation(t *testing.T) {
	h := newAPIHarness(t)

	bad := pairRequest()
	bad["leg2"] = "Z"
	resp, body := h.do(http.MethodPost, "/api/pairs", bad, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown instrument Z")

	bad = pairRequest()
	bad["quantity"] = 0
	resp, _ = h.do(http.MethodPost, "/api/pairs", bad, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad = pairRequest()
	bad["tolerance"] = "soon"
	resp, _ = h.do(http.MethodPost, "/api/pairs", bad, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/api/quotes", map[string]any{"instrument": "A", "bid": "11", "ask": "10"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_AbandonArmedPair(t *testing.T) {
	h := newAPIHarness(t)
	resp, body := h.do(http.MethodPost, "/api/pairs", pairRequest(), true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var armed map[string]any
	require.NoError(t, json.Unmarshal(body, &armed))
	id := armed["id"].(string)

	resp, _ = h.do(http.MethodDelete, "/api/pairs/"+id, nil, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "abandoned", h.pair(id)["finish_reason"])

	resp, _ = h.do(http.MethodDelete, "/api/pairs/"+id, nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_HistoryNeedsStore(t *testing.T) {
	h := newAPIHarness(t)
	resp, _ := h.do(http.MethodGet, "/api/pairs/history", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = h.do(http.MethodGet, "/api/pairs/nope", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
