package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"vitalsync/pkg/errors"
)

const DeviceIDHeader = "X-Device-ID"

// Quota is a fixed limit/interval pair applied to every key a KeyFunc
// produces.
type Quota struct {
	Limit    int64
	Interval time.Duration
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(c *gin.Context) string

// DeviceKey keys buckets by device and endpoint
// ("device:<id>:<endpoint>"), falling back to the client address for
// requests without a device header.
func DeviceKey(endpoint string) KeyFunc {
	return func(c *gin.Context) string {
		if id := c.GetHeader(DeviceIDHeader); id != "" {
			return "device:" + id + ":" + endpoint
		}
		return "ip:" + c.ClientIP() + ":" + endpoint
	}
}

// Guard rejects requests whose bucket is empty before they reach the
// ingestion handler. Store failures reject too.
func Guard(service *Service, quota Quota, keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := service.Consume(c.Request.Context(), keyFn(c), quota.Limit, quota.Interval)
		if err != nil {
			c.AbortWithStatusJSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(quota.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(quota.Interval.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"ok":         false,
				"remaining":  0,
				"error":      "rate limit exceeded",
				"error_code": errors.ErrRateLimited.Code,
			})
			return
		}
		c.Next()
	}
}
