package middlewares

import (
	"bitbucket.org/batifocus/qc_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

// CorrelationMiddleware threads a correlation id through the request context
// so outbox events and logs from one request share an id. Honors the caller's
// header when present.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Request.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), id))
		c.Writer.Header().Set(correlationHeader, id)
		c.Next()
	}
}
