package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDelivery(t *testing.T) {
	initial := testutil.ToFloat64(DeliveryAttempts.WithLabelValues(OutcomeDelivered))

	RecordDelivery(OutcomeDelivered, 0.25)

	if got := testutil.ToFloat64(DeliveryAttempts.WithLabelValues(OutcomeDelivered)); got != initial+1 {
		t.Errorf("DeliveryAttempts[delivered] = %v, want %v", got, initial+1)
	}

	// Histogram is tested indirectly; just verify it doesn't panic.
	DeliveryDuration.Observe(0.25)
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("active", 7)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("active")); got != 7 {
		t.Errorf("QueueDepth[active] = %v, want 7", got)
	}

	SetQueueDepth("active", 3)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("active")); got != 3 {
		t.Errorf("QueueDepth[active] after update = %v, want 3", got)
	}
}

func TestCacheGauges(t *testing.T) {
	CacheInUse.Set(2)
	CacheIdle.Set(5)
	if got := testutil.ToFloat64(CacheInUse); got != 2 {
		t.Errorf("CacheInUse = %v, want 2", got)
	}
	if got := testutil.ToFloat64(CacheIdle); got != 5 {
		t.Errorf("CacheIdle = %v, want 5", got)
	}
}

func TestEventBusDropped(t *testing.T) {
	initial := testutil.ToFloat64(EventBusDropped)
	EventBusDropped.Inc()
	if got := testutil.ToFloat64(EventBusDropped); got != initial+1 {
		t.Errorf("EventBusDropped = %v, want %v", got, initial+1)
	}
}
