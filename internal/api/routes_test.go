package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/automation"
	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/internal/ingest"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/internal/retry"
	"github.com/rawblock/aml-engine/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func xfer(n, from, to int, eth string) models.Transfer {
	return models.Transfer{
		Hash:        fmt.Sprintf("0x%064x", n),
		From:        addr(from),
		To:          addr(to),
		Value:       decimal.RequireFromString(eth),
		Timestamp:   t0.Add(time.Duration(n) * time.Minute),
		BlockNumber: uint64(100 + n),
	}
}

func newTestRouter(t *testing.T, opts RouterOptions) (*gin.Engine, *analysis.Service) {
	t.Helper()
	client := ingest.NewStaticClient(
		xfer(1, 1, 2, "5"),
		xfer(2, 1, 2, "4"),
		xfer(3, 2, 3, "3"),
	)
	store := graph.NewMemoryStore(nil)
	pool := ingest.NewPool(client, ingest.PoolOptions{Retry: retry.Policy{MaxAttempts: 1}}, nil)
	svc := analysis.NewService(analysis.Deps{
		Store:  store,
		Pool:   pool,
		Engine: heuristics.NewEngine(heuristics.DefaultConfig()),
		Alerts: heuristics.NewAlertManager(store, heuristics.DefaultAlertOptions(), nil),
		Scorer: heuristics.NewRiskScorer(heuristics.DefaultRiskWeights()),
	}, analysis.DefaultOptions(), nil)

	manager := jobs.NewManager(context.Background(), store, nil)
	manager.Register(models.JobCrawler, automation.NewCrawler(svc, nil))
	manager.Register(models.JobMonitor, automation.NewMonitor(svc, nil))
	manager.Register(models.JobExpansion, automation.NewExpansion(svc, nil))

	hub := NewHub(nil, nil)
	go hub.Run()
	t.Cleanup(func() {
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return SetupRouter(svc, manager, hub, opts, nil), svc
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})

	w := do(r, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "operational", body["status"])
	assert.Len(t, body["detectors"], 10)
}

func TestIngestThenAnalyze(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})

	w := do(r, http.MethodPost, "/api/v1/ingest/"+strings.ToUpper(addr(2)), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, addr(2), body["address"])
	assert.EqualValues(t, 3, body["ingested"])

	w = do(r, http.MethodGet, "/api/v1/analyze/"+addr(2), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	score := body["riskScore"].(float64)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)

	w = do(r, http.MethodGet, "/api/v1/addresses/"+addr(2), "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Contains(t, body, "alerts")
	assert.NotContains(t, body, "seed")
}

func TestAnalyzeErrors(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"malformed address", "/api/v1/analyze/0x1234", http.StatusBadRequest},
		{"never ingested", "/api/v1/analyze/" + addr(9), http.StatusNotFound},
		{"unknown address record", "/api/v1/addresses/" + addr(9), http.StatusNotFound},
		{"bad min_value", "/api/v1/neighbors/" + addr(1) + "?min_value=abc", http.StatusBadRequest},
		{"limit out of range", "/api/v1/neighbors/" + addr(1) + "?limit=0", http.StatusBadRequest},
		{"bad alert address", "/api/v1/alerts?address=nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, decode(t, w), "error")
		})
	}
}

func TestAnalyzeRefreshIngestsFirst(t *testing.T) {
	r, svc := newTestRouter(t, RouterOptions{})

	w := do(r, http.MethodGet, "/api/v1/analyze/"+addr(1)+"?refresh=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	edges, err := svc.Store().EdgeCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, edges)
}

func TestNeighbors(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/ingest/"+addr(2), "").Code)

	w := do(r, http.MethodGet, "/api/v1/neighbors/"+addr(2)+"?min_value=3.5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Neighbors []graph.Neighbor `json:"neighbors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Neighbors, 1)
	assert.Equal(t, addr(1), body.Neighbors[0].Address)
}

func TestSyncCrawlerJob(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})

	w := do(r, http.MethodPost, "/api/v1/jobs/crawler",
		fmt.Sprintf(`{"seed_addresses":[%q],"max_depth":1,"request_delay_ms":0,"async":false}`, addr(1)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "completed", body["status"])
	id := body["jobId"].(string)
	assert.True(t, strings.HasPrefix(id, "crawler_"))

	w = do(r, http.MethodGet, "/api/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode(t, w)["jobId"])

	w = do(r, http.MethodGet, "/api/v1/jobs?type=crawler", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(r, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJobErrors(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty body falls back to defaults without seeds", http.MethodPost, "/api/v1/jobs/crawler", "", http.StatusBadRequest},
		{"depth out of range", http.MethodPost, "/api/v1/jobs/crawler", fmt.Sprintf(`{"seed_addresses":[%q],"max_depth":99}`, addr(1)), http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/v1/jobs/expansion", `{"address":`, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/v1/jobs/crawler_nope", "", http.StatusNotFound},
		{"cancel unknown job", http.MethodPost, "/api/v1/jobs/crawler_nope/cancel", "", http.StatusNotFound},
		{"unknown job type filter", http.MethodGet, "/api/v1/jobs?type=sweeper", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestAsyncJobIsAccepted(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})

	w := do(r, http.MethodPost, "/api/v1/jobs/expansion",
		fmt.Sprintf(`{"address":%q,"trigger_score":0,"request_delay_ms":0,"async":true}`, addr(1)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode(t, w)["jobId"].(string)

	require.Eventually(t, func() bool {
		w := do(r, http.MethodGet, "/api/v1/jobs/"+id, "")
		return w.Code == http.StatusOK && decode(t, w)["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSeeds(t *testing.T) {
	r, svc := newTestRouter(t, RouterOptions{})

	w := do(r, http.MethodPost, "/api/v1/seeds",
		fmt.Sprintf(`{"addresses":[%q,%q],"category":"sanctioned"}`, addr(7), strings.ToUpper(addr(7))))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 1, body["added"])
	assert.EqualValues(t, 1, body["total"])

	seed, ok := svc.Seeds().Get(addr(7))
	require.True(t, ok)
	assert.Equal(t, "sanctioned", seed.Category)
	assert.Equal(t, "api", seed.Source)

	w = do(r, http.MethodGet, "/api/v1/seeds", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/api/v1/seeds/"+addr(7), "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/v1/seeds/"+addr(7), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/seeds", `{"addresses":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/seeds", `{"addresses":["0xzz"]}`).Code)
}

func TestRateLimitedRoutes(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	t.Cleanup(limiter.Stop)
	r, _ := newTestRouter(t, RouterOptions{Limiter: limiter})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/alerts", "").Code)
	}
	w := do(r, http.MethodGet, "/api/v1/alerts", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// health stays reachable for probes
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/health", "").Code)
}

func TestCORS(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/alerts", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed(nil, "http://a"))
	assert.True(t, originAllowed([]string{"*"}, "http://a"))
	assert.True(t, originAllowed([]string{"http://b", " http://a"}, "http://a"))
	assert.False(t, originAllowed([]string{"http://b"}, "http://a"))
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, RouterOptions{})
	w := do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
