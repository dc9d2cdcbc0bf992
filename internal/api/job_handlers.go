package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/aml-engine/internal/automation"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/pkg/models"
)

// POST /api/v1/jobs/crawler
func (h *APIHandler) handleStartCrawler(c *gin.Context) {
	params := automation.DefaultCrawlerParams()
	if !bindParams(c, params) {
		return
	}
	h.startJob(c, params)
}

// POST /api/v1/jobs/monitor
func (h *APIHandler) handleStartMonitor(c *gin.Context) {
	params := automation.DefaultMonitorParams()
	if !bindParams(c, params) {
		return
	}
	h.startJob(c, params)
}

// POST /api/v1/jobs/expansion
func (h *APIHandler) handleStartExpansion(c *gin.Context) {
	params := automation.DefaultExpansionParams()
	if !bindParams(c, params) {
		return
	}
	h.startJob(c, params)
}

// startJob answers 202 with the running job for async starts and 200 with
// the finished job otherwise. A synchronous job that fails is still a 200:
// the failure is part of the job record.
func (h *APIHandler) startJob(c *gin.Context, params jobs.Params) {
	job, err := h.jobs.Start(c.Request.Context(), params)
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if params.IsAsync() {
		status = http.StatusAccepted
	}
	c.JSON(status, job)
}

// GET /api/v1/jobs?type=crawler
func (h *APIHandler) handleListJobs(c *gin.Context) {
	t := models.JobType(strings.ToLower(c.Query("type")))
	switch t {
	case "", models.JobCrawler, models.JobMonitor, models.JobExpansion:
	default:
		abortWithError(c, invalidQuery("type", string(t)))
		return
	}
	list, err := h.jobs.List(c.Request.Context(), t)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

// GET /api/v1/jobs/:id
func (h *APIHandler) handleGetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /api/v1/jobs/:id/cancel
func (h *APIHandler) handleCancelJob(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "job": job})
}

// GET /api/v1/seeds
func (h *APIHandler) handleListSeeds(c *gin.Context) {
	seeds := h.svc.Seeds().List()
	c.JSON(http.StatusOK, gin.H{"seeds": seeds, "count": len(seeds)})
}

// POST /api/v1/seeds
func (h *APIHandler) handleAddSeeds(c *gin.Context) {
	var req struct {
		Addresses []string `json:"addresses" binding:"required,min=1"`
		Category  string   `json:"category"`
		Label     string   `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, invalidBody(err))
		return
	}

	added := 0
	seeds := h.svc.Seeds()
	for _, raw := range req.Addresses {
		addr, err := models.NormalizeAddress(raw)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if !seeds.Contains(addr) {
			added++
		}
		seeds.Add(heuristics.Seed{Address: addr, Category: req.Category, Label: req.Label, Source: "api"})
	}
	c.JSON(http.StatusCreated, gin.H{"added": added, "total": seeds.Len()})
}

// DELETE /api/v1/seeds/:address
func (h *APIHandler) handleRemoveSeed(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	if !h.svc.Seeds().Remove(addr) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "seed not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
