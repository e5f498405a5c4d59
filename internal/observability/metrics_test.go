package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/dbusctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("busctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordBusCall("org.freedesktop.DBus.Properties", "Get", 3*time.Millisecond, true)

	before := testutil.ToFloat64(subscriptionTransitions.WithLabelValues("ADDED"))
	RecordSubscriptionTransition("ADDED")
	if got := testutil.ToFloat64(subscriptionTransitions.WithLabelValues("ADDED")); got != before+1 {
		t.Fatalf("transitions=%v want %v", got, before+1)
	}

	events := testutil.ToFloat64(subscriptionEvents)
	RecordSubscriptionEvent()
	if got := testutil.ToFloat64(subscriptionEvents); got != events+1 {
		t.Fatalf("events=%v", got)
	}

	filters := testutil.ToFloat64(subscriptionFilters)
	AddInstalledFilters(2)
	AddInstalledFilters(-1)
	if got := testutil.ToFloat64(subscriptionFilters); got != filters+1 {
		t.Fatalf("filters=%v", got)
	}
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := NewRouter("busctl-test", []string{"http://localhost"})
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dbusctl_http_requests_total") {
		t.Fatalf("metrics status=%d", rec.Code)
	}
}
