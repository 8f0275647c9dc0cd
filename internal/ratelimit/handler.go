package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"vitalsync/internal/logger"
	"vitalsync/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/consume", h.Consume)
}

// ConsumeRequest is bound from the query string.
type ConsumeRequest struct {
	Key        string `form:"key" binding:"required"`
	Limit      int64  `form:"limit" binding:"required,gt=0"`
	IntervalMs int64  `form:"intervalMs" binding:"required,gt=0,lte=86400000"`
}

// Consume godoc
// @Summary      Consume one token
// @Description  Takes one token from the bucket identified by key
// @Tags         rate-limit
// @Produce      json
// @Param        key         query     string  true  "Bucket key"
// @Param        limit       query     int     true  "Bucket capacity"
// @Param        intervalMs  query     int     true  "Refill interval in milliseconds, at most 86400000"
// @Success      200  {object}  Result
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      429  {object}  Result
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /consume [post]
func (h *Handler) Consume(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	res, err := h.service.Consume(c.Request.Context(), req.Key, req.Limit, time.Duration(req.IntervalMs)*time.Millisecond)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(req.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	if !res.Allowed {
		c.JSON(http.StatusTooManyRequests, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}
