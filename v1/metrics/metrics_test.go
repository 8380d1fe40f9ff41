package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	BidCounter.WithLabelValues("OK").Inc()
	BidRetryCounter.Inc()
	LockWaitHistogram.Observe(0.01)
	LockFailureCounter.Inc()
	LeaseAbortCounter.Inc()
	PublishCounter.WithLabelValues("bid.placed", "ok").Inc()
	DroppedCounter.Inc()
	SubscriberGauge.Set(3)
	JobCounter.WithLabelValues("processed").Inc()
	DeadJobCounter.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 10 {
		t.Fatalf("expected 10 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(SubscriberGauge); v != 3 {
		t.Fatalf("expected gauge 3, got %v", v)
	}
}

func TestRegisterMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterMetrics(reg)
}
