// Package jobsvc exposes the producer-facing job endpoints: submission,
// status query, listing and cancellation. Authentication happens at the
// gateway; handlers trust the user id it attaches to each request.
package jobsvc

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/hahnben/cura-snap-ai/degrade"
	"github.com/hahnben/cura-snap-ai/jobs"
	"github.com/hahnben/cura-snap-ai/wscutils"
)

// DegradationHeader carries the system posture on every response while the
// system is not NORMAL.
const DegradationHeader = "X-System-Degradation"

// MetricsSink mirrors jobs.MetricsSink for submission accounting.
type MetricsSink interface {
	Increment(name string, tags map[string]string)
}

// AudioPutter offloads an oversized audio payload and returns the object
// name to carry instead. Implemented by objstore.AudioStore.
type AudioPutter interface {
	PutAudio(ctx context.Context, userID, submissionID string, audio []byte, filename string) (string, error)
}

// Handler serves the producer-facing job endpoints.
type Handler struct {
	store    *jobs.JobStore
	degrader *degrade.Controller
	audio    AudioPutter
	offload  int
	metrics  MetricsSink
	logger   *logharbour.Logger
}

// NewHandler creates the handler. audio may be nil to disable payload
// offload; metrics may be nil.
func NewHandler(store *jobs.JobStore, degrader *degrade.Controller, audio AudioPutter, offloadBytes int, metrics MetricsSink, logger *logharbour.Logger) *Handler {
	return &Handler{
		store:    store,
		degrader: degrader,
		audio:    audio,
		offload:  offloadBytes,
		metrics:  metrics,
		logger:   logger,
	}
}

// RegisterHandlers registers the job routes.
func (h *Handler) RegisterHandlers(router *gin.Engine) {
	router.POST("/jobs", h.submitJob)
	router.GET("/jobs", h.listJobs)
	router.GET("/jobs/:jobId", h.getJob)
	router.POST("/jobs/:jobId/cancel", h.cancelJob)
}

// submitJob handles POST /jobs.
func (h *Handler) submitJob(c *gin.Context) {
	h.attachDegradationHeader(c)

	userID, err := wscutils.GetRequestUser(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDUnauthorized, wscutils.ErrcodeUnauthorized))
		return
	}

	// Admission gating: MAJOR and CRITICAL reject with a retryable
	// advisory, MAINTENANCE refuses outright.
	switch level := h.degrader.OverallLevel(); {
	case level == degrade.LevelMaintenance:
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDDegraded, wscutils.ErrcodeMaintenance))
		return
	case level >= degrade.LevelMajor:
		c.Header("Retry-After", "60")
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDDegraded, wscutils.ErrcodeDegraded))
		return
	}

	var req jobs.JobRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}

	validationErrors := validateRequest(req)
	if len(validationErrors) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		return
	}

	if err := h.offloadAudio(c, userID, &req); err != nil {
		h.logger.Error(err).LogActivity("Audio offload failed", map[string]any{
			"userId": userID,
		})
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDInternalError, wscutils.ErrcodeInternal))
		return
	}

	resp, err := h.store.Create(c.Request.Context(), userID, req)
	if err != nil {
		h.logger.Error(err).LogActivity("Job submission failed", map[string]any{
			"userId": userID,
		})
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDInternalError, wscutils.ErrcodeInternal))
		return
	}

	if h.metrics != nil {
		h.metrics.Increment("jobs.created.total", map[string]string{"jobType": string(req.JobType)})
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(resp))
}

// getJob handles GET /jobs/:jobId.
func (h *Handler) getJob(c *gin.Context) {
	h.attachDegradationHeader(c)

	userID, err := wscutils.GetRequestUser(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDUnauthorized, wscutils.ErrcodeUnauthorized))
		return
	}

	job, err := h.store.Get(c.Request.Context(), c.Param("jobId"), userID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDNotFound, wscutils.ErrcodeNotFound))
			return
		}
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDInternalError, wscutils.ErrcodeInternal))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(job))
}

// listJobs handles GET /jobs.
func (h *Handler) listJobs(c *gin.Context) {
	h.attachDegradationHeader(c)

	userID, err := wscutils.GetRequestUser(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDUnauthorized, wscutils.ErrcodeUnauthorized))
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	list, err := h.store.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDInternalError, wscutils.ErrcodeInternal))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(list))
}

// cancelJob handles POST /jobs/:jobId/cancel.
func (h *Handler) cancelJob(c *gin.Context) {
	h.attachDegradationHeader(c)

	userID, err := wscutils.GetRequestUser(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDUnauthorized, wscutils.ErrcodeUnauthorized))
		return
	}

	ok, err := h.store.Cancel(c.Request.Context(), c.Param("jobId"), userID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDNotFound, wscutils.ErrcodeNotFound))
			return
		}
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDInternalError, wscutils.ErrcodeInternal))
		return
	}
	if !ok {
		// Not cancellable: a worker already claimed it or it finished.
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.MsgIDConflict, wscutils.ErrcodeConflict))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"jobId": c.Param("jobId"), "status": jobs.StatusCancelled}))
}

// offloadAudio moves an oversized inline audio payload to the audio store,
// replacing it with an object reference.
func (h *Handler) offloadAudio(c *gin.Context, userID string, req *jobs.JobRequest) error {
	if h.audio == nil || h.offload <= 0 {
		return nil
	}
	encoded, ok := req.InputData["audio"]
	if !ok || len(encoded) < h.offload {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Not decodable here; the worker will classify it downstream.
		return nil
	}

	obj, err := h.audio.PutAudio(c.Request.Context(), userID, uuid.New().String(), raw, req.InputData["filename"])
	if err != nil {
		return err
	}

	delete(req.InputData, "audio")
	req.InputData["audio_object"] = obj
	return nil
}

// validateRequest runs tag validation plus the request-specific checks.
func validateRequest(req jobs.JobRequest) []wscutils.ErrorMessage {
	validationErrors := wscutils.WscValidate(req, func(err validator.FieldError) []string { return nil })
	if len(validationErrors) > 0 {
		return validationErrors
	}
	if !req.JobType.Valid() {
		validationErrors = append(validationErrors, wscutils.BuildErrorMessage(wscutils.MsgIDInvalidInput, wscutils.ErrcodeInvalidInput, "jobType", string(req.JobType)))
	}
	if len(req.InputData) == 0 {
		validationErrors = append(validationErrors, wscutils.BuildErrorMessage(wscutils.MsgIDInvalidInput, wscutils.ErrcodeMissing, "inputData"))
	}
	return validationErrors
}

// attachDegradationHeader adds the advisory posture header on every
// response while the system is not NORMAL.
func (h *Handler) attachDegradationHeader(c *gin.Context) {
	if level := h.degrader.OverallLevel(); level > degrade.LevelNormal {
		c.Header(DegradationHeader, level.String())
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	val := c.Query(name)
	if val == "" {
		return fallback
	}
	n := 0
	for _, r := range val {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}
