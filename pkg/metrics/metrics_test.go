package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestCollector_ExposesRegisteredMetrics(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCollector(log)

	c.ActiveVMs.Set(3)
	c.AllocatedVCPUs.Set(12)
	c.AllocationsTotal.WithLabelValues("admitted").Inc()
	c.AllocationsTotal.WithLabelValues("rejected").Inc()
	c.NetworkOpErrors.WithLabelValues("tap").Inc()
	c.ScaleEventsTotal.WithLabelValues("scale_up").Inc()
	c.WorkerTaskDuration.WithLabelValues("health_check").Observe(0.05)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"microvm_resource_active_vms 3",
		`microvm_resource_allocations_total{result="admitted"} 1`,
		`microvm_resource_allocations_total{result="rejected"} 1`,
		`microvm_network_op_errors_total{op="tap"} 1`,
		`microvm_cluster_scale_events_total{action="scale_up"} 1`,
		"microvm_worker_task_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
