package history

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"vitalsync/internal/logger"
	"vitalsync/pkg/envelope"
	"vitalsync/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

// RegisterRoutes mounts the history API. ingest runs in front of the
// samples endpoint, typically a per-device rate limit guard.
func (h *Handler) RegisterRoutes(router gin.IRouter, ingest ...gin.HandlerFunc) {
	subjects := router.Group("/api/v1/subjects/:subject")
	{
		subjects.GET("/history", h.History)
		subjects.POST("/samples", append(ingest, h.Ingest)...)
	}
}

type HistoryQuery struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

type IngestSample struct {
	ID        string    `json:"id,omitempty" binding:"omitempty,max=64"`
	Metric    string    `json:"type" binding:"required"`
	Value     *float64  `json:"value" binding:"required"`
	Unit      string    `json:"unit" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Source    string    `json:"source" binding:"required"`
}

type IngestRequest struct {
	Samples []IngestSample `json:"samples" binding:"required,min=1,dive"`
}

// History godoc
// @Summary      Page through a subject's samples
// @Description  Returns samples newest first. Pass nextCursor back as cursor to fetch the following page; an empty nextCursor marks the last page.
// @Tags         history
// @Produce      json
// @Param        subject  path      string  true   "Subject ID"
// @Param        cursor   query     string  false  "Opaque cursor from a previous page"
// @Param        limit    query     int     false  "Page size (default 50, max 500)"
// @Success      200  {object}  envelope.HistoricalDataUpdate
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /api/v1/subjects/{subject}/history [get]
func (h *Handler) History(c *gin.Context) {
	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	page, err := h.service.Page(c.Request.Context(), c.Param("subject"), q.Cursor, q.Limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if page.Items == nil {
		page.Items = []envelope.HealthRecord{}
	}
	c.JSON(http.StatusOK, page)
}

// Ingest godoc
// @Summary      Ingest samples
// @Description  Stores samples for a subject and publishes them to its live observers
// @Tags         history
// @Accept       json
// @Produce      json
// @Param        subject      path    string         true   "Subject ID"
// @Param        X-Device-ID  header  string         false  "Device identifier used for rate limiting"
// @Param        request      body    IngestRequest  true   "Samples"
// @Success      202  {object}  IngestResult
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      429  {object}  errors.ErrorResponse
// @Failure      502  {object}  errors.ErrorResponse
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /api/v1/subjects/{subject}/samples [post]
func (h *Handler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	samples := make([]Sample, 0, len(req.Samples))
	for _, s := range req.Samples {
		samples = append(samples, Sample{
			ID: s.ID,
			Update: envelope.LiveHealthUpdate{
				Metric:    s.Metric,
				Value:     *s.Value,
				Unit:      s.Unit,
				Timestamp: s.Timestamp,
				Source:    s.Source,
			},
		})
	}

	result, err := h.service.Ingest(c.Request.Context(), c.Param("subject"), samples)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}
