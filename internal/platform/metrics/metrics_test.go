package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsAreRegistered(t *testing.T) {
	reg, m := NewRegistry()
	m.PlansSubmitted.Inc()
	m.ShardTransitions.WithLabelValues("done").Add(2)
	m.CheckpointErrors.WithLabelValues("claim").Inc()

	if got := testutil.ToFloat64(m.ShardTransitions.WithLabelValues("done")); got != 2 {
		t.Fatalf("expected 2 done transitions, got %v", got)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"hxo_plans_submitted_total 1", `hxo_checkpoint_write_errors_total{op="claim"} 1`} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %q in exposition", name)
		}
	}
}
