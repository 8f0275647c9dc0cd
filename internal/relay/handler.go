package relay

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"vitalsync/internal/logger"
	"vitalsync/internal/ratelimit"
	"vitalsync/pkg/errors"
)

const maxDeviceIDLength = 128

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   logger.Logger
}

// NewHandler accepts any origin when allowedOrigins is empty.
func NewHandler(hub *Hub, allowedOrigins []string, log logger.Logger) *Handler {
	h := &Handler{hub: hub, logger: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/subjects/:subject", h.Stream)
}

// Stream godoc
// @Summary      Open a subject's live channel
// @Description  Upgrades to a WebSocket carrying envelope frames for the subject
// @Tags         live
// @Param        subject      path    string  true   "Subject ID"
// @Param        X-Device-ID  header  string  false  "Device identifier used for rate limiting"
// @Success      101
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /ws/subjects/{subject} [get]
func (h *Handler) Stream(c *gin.Context) {
	subjectID := strings.TrimSpace(c.Param("subject"))
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithDetail("field", "subject")))
		return
	}
	if h.hub.Closed() {
		c.JSON(http.StatusServiceUnavailable, errors.ToErrorResponse(errors.ErrServiceUnavailable))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WarnwCtx(c.Request.Context(), "WebSocket upgrade failed", "subject_id", subjectID, "error", err)
		return
	}

	h.hub.Serve(c.Request.Context(), ws, subjectID, deviceKey(c))
}

// deviceKey identifies the writer for rate limiting: the device header when
// present, the client address otherwise.
func deviceKey(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(ratelimit.DeviceIDHeader)); id != "" {
		if len(id) > maxDeviceIDLength {
			id = id[:maxDeviceIDLength]
		}
		return "device:" + id
	}
	return "ip:" + c.ClientIP()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
