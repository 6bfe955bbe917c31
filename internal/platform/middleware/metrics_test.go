package middleware

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/medx360/booking/internal/platform/metrics"
)

func TestMetrics_RecordsRouteTemplate(t *testing.T) {
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/bookings/:id", "404")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b"} {
		c, _ := newContext(http.MethodGet, "/api/v1/bookings/"+id)
		c.SetPath("/api/v1/bookings/:id")
		Metrics()(func(echo.Context) error {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		})(c)
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("expected 2 requests on the route series, got %v", got)
	}
}

func TestMetrics_Unmatched(t *testing.T) {
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "200")
	before := testutil.ToFloat64(counter)

	c, _ := newContext(http.MethodGet, "/nowhere")
	Metrics()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("expected 1 unmatched request, got %v", got)
	}
}
