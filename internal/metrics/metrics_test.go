package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.Request("now", "allow")
	m.Request("now", "allow")
	m.Request("now", "rate_limited")
	m.Drain("groups", 10*time.Millisecond, nil)
	m.Drain("groups", 0, errors.New("disk"))
	m.Refresh(12, nil)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("now", "allow")); got != 2 {
		t.Fatalf("allow = %v", got)
	}
	if got := testutil.ToFloat64(m.queueDrains.WithLabelValues("groups", "error")); got != 1 {
		t.Fatalf("drain errors = %v", got)
	}
	if got := testutil.ToFloat64(m.entries); got != 12 {
		t.Fatalf("entries = %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	m := New()
	m.RegisterGaugeFunc("writequeue_pending", "Pending writes.", func() float64 { return 3 })
	m.Reminder("sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"calenbot_writequeue_pending 3", `calenbot_reminders_total{result="sent"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Request("now", "allow")
	m.Reminder("sent")
	m.Drain("x", 0, nil)
	m.Refresh(1, nil)
	m.TransportError("send")
	m.JobRun("sweep", nil)
	m.RegisterGaugeFunc("x", "x", func() float64 { return 0 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 503 {
		t.Fatalf("code = %d", rec.Code)
	}
}
