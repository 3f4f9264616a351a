package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/complaint-desk-api/internal/service"
)

const unmatchedRoute = "unmatched"

// Metrics observes each request under its route template so complaint ids never
// become label values. Routes listed in skip, such as the scrape and probe
// endpoints, are not observed.
func Metrics(metricsSvc *service.MetricsService, skip ...string) gin.HandlerFunc {
	if metricsSvc == nil {
		return func(c *gin.Context) { c.Next() }
	}
	skipped := make(map[string]struct{}, len(skip))
	for _, route := range skip {
		skipped[route] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if _, ok := skipped[route]; ok {
			return
		}
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
