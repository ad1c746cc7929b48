package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandler_ExposesTetherCollectors(t *testing.T) {
	t.Parallel()

	m := Discard()
	m.CascadeEvents.WithLabelValues(ResultProcessed).Inc()
	m.SessionsCreated.Add(2)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got=%d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		`tether_cascade_events_total{result="processed"} 1`,
		`tether_session_created_total 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}

func TestDiscard_IndependentRegistries(t *testing.T) {
	t.Parallel()

	a := Discard()
	b := Discard()
	a.ReconcileHealed.Inc()

	if got := testutil.ToFloat64(b.ReconcileHealed); got != 0 {
		t.Fatalf("expected isolated registries, got=%v", got)
	}
	if got := testutil.ToFloat64(a.ReconcileHealed); got != 1 {
		t.Fatalf("expected 1 got=%v", got)
	}
}
