// Package admin exposes the operator surface: DLQ inspection and
// reprocessing, metric series queries, alert acknowledgement, degradation
// overrides, breaker resets and the system health report.
package admin

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/hahnben/cura-snap-ai/breaker"
	"github.com/hahnben/cura-snap-ai/degrade"
	"github.com/hahnben/cura-snap-ai/health"
	"github.com/hahnben/cura-snap-ai/jobs"
	"github.com/hahnben/cura-snap-ai/metrics"
	"github.com/hahnben/cura-snap-ai/wscutils"
)

// Handler serves the admin endpoints.
type Handler struct {
	dlq      *jobs.DLQStore
	manager  *metrics.Manager
	degrader *degrade.Controller
	breakers *breaker.Registry
	workers  *health.Registry
	logger   *logharbour.Logger
}

// NewHandler creates the admin handler.
func NewHandler(dlq *jobs.DLQStore, manager *metrics.Manager, degrader *degrade.Controller, breakers *breaker.Registry, workers *health.Registry, logger *logharbour.Logger) *Handler {
	return &Handler{
		dlq:      dlq,
		manager:  manager,
		degrader: degrader,
		breakers: breakers,
		workers:  workers,
		logger:   logger,
	}
}

// RegisterHandlers registers the admin routes.
func (h *Handler) RegisterHandlers(router *gin.Engine) {
	grp := router.Group("/admin")
	grp.GET("/dlq/:queue", h.listDLQ)
	grp.POST("/dlq/entries/:entryId/reprocess", h.reprocessDLQ)
	grp.GET("/metrics/:name", h.queryMetric)
	grp.GET("/alerts", h.listAlerts)
	grp.POST("/alerts/:alertId/ack", h.ackAlert)
	grp.GET("/degradation", h.getDegradation)
	grp.PUT("/degradation/override", h.setOverride)
	grp.DELETE("/degradation/override", h.clearOverride)
	grp.POST("/breakers/:service/reset", h.resetBreaker)
	grp.GET("/breakers", h.listBreakers)
	grp.GET("/health", h.systemHealth)
}

// listDLQ handles GET /admin/dlq/:queue.
func (h *Handler) listDLQ(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.dlq.ListDLQ(c.Request.Context(), c.Param("queue"), limit, offset)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDInternalError, wscutils.ErrcodeInternal))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(entries))
}

// reprocessDLQ handles POST /admin/dlq/entries/:entryId/reprocess.
func (h *Handler) reprocessDLQ(c *gin.Context) {
	resp, err := h.dlq.Reprocess(c.Request.Context(), c.Param("entryId"))
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrDLQEntryNotFound):
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDNotFound, wscutils.ErrcodeNotFound))
		case errors.Is(err, jobs.ErrAlreadyReprocessed):
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDConflict, wscutils.ErrcodeConflict))
		default:
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDInternalError, wscutils.ErrcodeInternal))
		}
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(resp))
}

// queryMetric handles GET /admin/metrics/:name?window=5m.
func (h *Handler) queryMetric(c *gin.Context) {
	name := c.Param("name")
	series := h.manager.Lookup(name)
	if series == nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDNotFound, wscutils.ErrcodeNotFound))
		return
	}

	window := 5 * time.Minute
	if w := c.Query("window"); w != "" {
		if parsed, err := time.ParseDuration(w); err == nil {
			window = parsed
		}
	}

	points := series.Window(time.Now().Add(-window))
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"name":        series.Name,
		"description": series.Description,
		"unit":        series.Unit,
		"points":      points,
		"avg":         metrics.Avg(points),
		"max":         metrics.Max(points),
		"sum":         metrics.Sum(points),
	}))
}

// listAlerts handles GET /admin/alerts.
func (h *Handler) listAlerts(c *gin.Context) {
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(h.manager.ActiveAlerts()))
}

type ackRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// ackAlert handles POST /admin/alerts/:alertId/ack.
func (h *Handler) ackAlert(c *gin.Context) {
	var req ackRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if msgs := wscutils.WscValidate(req, func(err validator.FieldError) []string { return nil }); len(msgs) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, msgs))
		return
	}

	if err := h.manager.Acknowledge(c.Param("alertId"), req.Actor); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDNotFound, wscutils.ErrcodeNotFound))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"acknowledged": true}))
}

// getDegradation handles GET /admin/degradation.
func (h *Handler) getDegradation(c *gin.Context) {
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"overall":  h.degrader.OverallLevel().String(),
		"message":  h.degrader.Message(),
		"services": h.degrader.ServiceStates(),
		"override": h.degrader.CurrentOverride(),
	}))
}

type overrideRequest struct {
	Level  string `json:"level" validate:"required,oneof=NORMAL MINOR MODERATE MAJOR CRITICAL MAINTENANCE"`
	Reason string `json:"reason" validate:"required"`
	Actor  string `json:"actor" validate:"required"`
}

var levelNames = map[string]degrade.Level{
	"NORMAL":      degrade.LevelNormal,
	"MINOR":       degrade.LevelMinor,
	"MODERATE":    degrade.LevelModerate,
	"MAJOR":       degrade.LevelMajor,
	"CRITICAL":    degrade.LevelCritical,
	"MAINTENANCE": degrade.LevelMaintenance,
}

// setOverride handles PUT /admin/degradation/override.
func (h *Handler) setOverride(c *gin.Context) {
	var req overrideRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if msgs := wscutils.WscValidate(req, func(err validator.FieldError) []string { return nil }); len(msgs) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, msgs))
		return
	}

	h.degrader.SetOverride(levelNames[req.Level], req.Reason, req.Actor)
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"override": req.Level}))
}

// clearOverride handles DELETE /admin/degradation/override.
func (h *Handler) clearOverride(c *gin.Context) {
	h.degrader.ClearOverride(c.Query("actor"))
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"override": nil}))
}

// resetBreaker handles POST /admin/breakers/:service/reset.
func (h *Handler) resetBreaker(c *gin.Context) {
	service := c.Param("service")
	h.breakers.Reset(service)
	h.logger.Info().LogActivity("Breaker reset via admin", map[string]any{
		"service": service,
	})
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"service": service, "state": string(breaker.StateClosed)}))
}

// listBreakers handles GET /admin/breakers.
func (h *Handler) listBreakers(c *gin.Context) {
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(h.breakers.Snapshots()))
}

// systemHealth handles GET /admin/health.
func (h *Handler) systemHealth(c *gin.Context) {
	report := h.workers.SystemHealthReport(c.Request.Context())
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"report":  report,
		"workers": h.workers.AllWorkers(),
	}))
}
