package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/registry_importer/utils"
)

const HeaderCorrelationId = "x-correlation-id"

// RequestContextMiddleware carries the correlation id, operator and import session id
// into the request context so workflow logs can pick them up.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if operator := strings.TrimSpace(c.GetHeader("x-operator")); operator != "" {
			ctx = utils.SetOperatorInContext(ctx, operator)
		}
		if id := c.Param("id"); id != "" {
			ctx = utils.SetSessionIdInContext(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderCorrelationId, cid)
		c.Next()
	}
}

// ReadinessMiddleware answers 503 until ready reports true. /healthz always passes.
func ReadinessMiddleware(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}
