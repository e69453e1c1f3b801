package metricsvc

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_counters(t *testing.T) {
	m := New()

	m.SessionLoad(LoadHit)
	m.SessionLoad(LoadHit)
	m.SessionLoad(LoadDecodeError)
	m.SessionsSwept(3)
	m.Denied("CRUD_EVENTS")
	m.ImportAdmission(AdmissionConflict)
	m.HubDrop()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionLoads.WithLabelValues(LoadHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionLoads.WithLabelValues(LoadDecodeError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessionsSwept))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.denials.WithLabelValues("CRUD_EVENTS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.importAdmissions.WithLabelValues(AdmissionConflict)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hubDrops))
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/events/:id", func(ctx echo.Context) error { return ctx.NoContent(http.StatusNoContent) })

	for _, path := range []string{"/events/1", "/events/2"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/events/:id", "204")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "denim_http_requests_total"))
}

func TestMetrics_MiddlewareRecordsErrorStatus(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/boom", func(ctx echo.Context) error { return echo.NewHTTPError(http.StatusTeapot, "boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/boom", "418")))
}
