package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medx360/booking/internal/platform/metrics"
)

// Metrics records request count and latency per route template, so
// /bookings/:id is one series however many ids are requested.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.RecordHTTPRequest(c.Request().Method, route,
				strconv.Itoa(responseStatus(c, err)), time.Since(start).Seconds())
			return err
		}
	}
}
