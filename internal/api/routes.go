package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// RouterOptions configure the façade's outer surface.
type RouterOptions struct {
	AllowedOrigins []string
	// Limiter throttles the analysis and job routes per client IP; nil
	// disables throttling. The caller owns it and stops it on shutdown.
	Limiter *RateLimiter
}

type APIHandler struct {
	svc  *analysis.Service
	jobs *jobs.Manager
	hub  *Hub
	log  *zap.Logger
}

func SetupRouter(svc *analysis.Service, manager *jobs.Manager, hub *Hub, opts RouterOptions, log *zap.Logger) *gin.Engine {
	log = logger.OrNop(log)
	r := gin.New()
	r.Use(ginzap.Ginzap(log.Named("http"), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(log.Named("http"), true))
	r.Use(cors(opts.AllowedOrigins))

	handler := &APIHandler{svc: svc, jobs: manager, hub: hub, log: log.Named("api")}

	api := r.Group("/api/v1")
	api.GET("/health", handler.handleHealth)
	api.GET("/stream", hub.Subscribe)

	limited := api.Group("")
	if opts.Limiter != nil {
		limited.Use(opts.Limiter.Middleware())
	}
	{
		limited.POST("/ingest/:address", handler.handleIngest)
		limited.GET("/analyze/:address", handler.handleAnalyze)
		limited.GET("/addresses/:address", handler.handleGetAddress)
		limited.GET("/neighbors/:address", handler.handleNeighbors)
		limited.GET("/alerts", handler.handleListAlerts)

		limited.POST("/jobs/crawler", handler.handleStartCrawler)
		limited.POST("/jobs/monitor", handler.handleStartMonitor)
		limited.POST("/jobs/expansion", handler.handleStartExpansion)
		limited.GET("/jobs", handler.handleListJobs)
		limited.GET("/jobs/:id", handler.handleGetJob)
		limited.POST("/jobs/:id/cancel", handler.handleCancelJob)

		limited.GET("/seeds", handler.handleListSeeds)
		limited.POST("/seeds", handler.handleAddSeeds)
		limited.DELETE("/seeds/:address", handler.handleRemoveSeed)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func cors(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if originAllowed(allowed, origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.TrimSpace(a) == origin {
			return true
		}
	}
	return false
}

// addressParam canonicalizes the :address path parameter, aborting with 400
// when it is malformed.
func addressParam(c *gin.Context) (string, bool) {
	addr, err := models.NormalizeAddress(c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	return addr, true
}

func intQuery(c *gin.Context, key string, def, lo, hi int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		abortWithError(c, invalidQuery(key, raw))
		return 0, false
	}
	return n, true
}

func invalidQuery(key, raw string) error {
	return fmt.Errorf("%w: query %s=%q is out of range", jobs.ErrValidation, key, raw)
}

// POST /api/v1/ingest/:address
func (h *APIHandler) handleIngest(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	res, err := h.svc.Ingest(c.Request.Context(), addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/v1/analyze/:address[?refresh=true]
//
// refresh=true fetches the latest history before analyzing; otherwise the
// stored history is used and an address never ingested is a 404.
func (h *APIHandler) handleAnalyze(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	var (
		res analysis.AnalysisResult
		err error
	)
	if c.Query("refresh") == "true" {
		res, _, err = h.svc.Investigate(c.Request.Context(), addr)
	} else {
		res, err = h.svc.Analyze(c.Request.Context(), addr)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/v1/addresses/:address
func (h *APIHandler) handleGetAddress(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	a, err := h.svc.Address(c.Request.Context(), addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	alerts, err := h.svc.Alerts().ListFor(c.Request.Context(), addr, 50)
	if err != nil {
		abortWithError(c, err)
		return
	}
	seed, tainted := h.svc.Seeds().Get(addr)
	resp := gin.H{"address": a, "alerts": alerts}
	if tainted {
		resp["seed"] = seed
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/neighbors/:address?min_value=0.1&limit=50
func (h *APIHandler) handleNeighbors(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	minValue := decimal.Zero
	if raw := c.Query("min_value"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			abortWithError(c, invalidQuery("min_value", raw))
			return
		}
		minValue = v
	}
	limit, ok := intQuery(c, "limit", 50, 1, 500)
	if !ok {
		return
	}
	neighbors, err := h.svc.Neighbors(c.Request.Context(), addr, minValue, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "neighbors": neighbors})
}

// GET /api/v1/alerts?address=&type=&limit=
func (h *APIHandler) handleListAlerts(c *gin.Context) {
	filter := models.AlertFilter{Type: models.DetectorType(strings.ToUpper(c.Query("type")))}
	if raw := c.Query("address"); raw != "" {
		addr, err := models.NormalizeAddress(raw)
		if err != nil {
			abortWithError(c, err)
			return
		}
		filter.Address = addr
	}
	limit, ok := intQuery(c, "limit", 100, 1, 1000)
	if !ok {
		return
	}
	filter.Limit = limit

	alerts, err := h.svc.Alerts().Query(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// GET /api/v1/health
func (h *APIHandler) handleHealth(c *gin.Context) {
	edges, err := h.svc.Store().EdgeCount(c.Request.Context())
	status := "operational"
	if err != nil {
		status = "degraded"
		h.log.Warn("health check: store unavailable", zap.Error(err))
	}
	detectors := h.svc.Engine().Detectors()
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"engine":    "RawBlock AML Graph Engine",
		"transfers": edges,
		"seeds":     h.svc.Seeds().Len(),
		"detectors": detectors,
		"wsClients": h.hub.Clients(),
	})
}

func invalidBody(err error) error {
	return fmt.Errorf("%w: %w", jobs.ErrValidation, err)
}

// bindParams decodes an optional JSON body over the defaults in dst.
func bindParams(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, invalidBody(err))
		return false
	}
	return true
}
