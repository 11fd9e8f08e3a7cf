package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/registry_importer/utils"
)

// ParseOperatorKeys reads "operator:key" pairs separated by commas.
func ParseOperatorKeys(csv string) map[string]string {
	keys := map[string]string{}
	for _, pair := range utils.SplitAndTrim(csv) {
		operator, key, ok := strings.Cut(pair, ":")
		operator, key = strings.TrimSpace(operator), strings.TrimSpace(key)
		if !ok || operator == "" || key == "" {
			continue
		}
		keys[key] = operator
	}
	return keys
}

// OperatorKeyMiddleware requires "Authorization: Bearer <key>" and puts the key's
// operator into the request context. With no keys configured every request passes.
func OperatorKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		auth := c.Request.Header.Get("Authorization")
		key, ok := strings.CutPrefix(auth, "Bearer ")
		operator, known := keys[strings.TrimSpace(key)]
		if !ok || !known {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetOperatorInContext(c.Request.Context(), operator)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
