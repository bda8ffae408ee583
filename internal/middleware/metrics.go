package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/credledger/pkg/metrics"
)

// unmatchedRoute labels requests that hit no route, keeping label values
// bounded no matter what paths clients probe.
const unmatchedRoute = "unmatched"

// Metrics records request latency by route template. Verification lookups
// therefore share one series regardless of the credential id in the path.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.APIInFlight.Inc()
		defer metrics.APIInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.APILatency.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
