package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)

	first.Deployment("canary", "completed", 2*time.Second)
	second.Deployment("canary", "completed", time.Second)
	second.Rollback("success")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "releasectl_deploy_deployments_total" {
			continue
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
			t.Fatalf("expected shared counter value 2, got %v", got)
		}
		return
	}
	t.Fatalf("deployment counter not gathered")
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Deployment("rolling", "failed", time.Second)
	r.HotUpdate("gradual", "rolled_back")
	r.Migrations(1, 0)
	r.LeaseConflict("deployment")
}
