package metrics

import (
	"testing"
	"time"

	"github.com/cuemby/a653hv/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCollectorRecordsPartitionTransitioned(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	c := NewCollector(broker)
	c.Start()
	defer c.Stop()

	before := counterValue(t, PartitionsScheduledTotal, "producer")
	broker.Publish(&events.Event{Type: events.EventPartitionTransitioned, Partition: "producer"})
	time.Sleep(20 * time.Millisecond)

	after := counterValue(t, PartitionsScheduledTotal, "producer")
	if after != before+1 {
		t.Errorf("expected PartitionsScheduledTotal to increment by 1, got %v -> %v", before, after)
	}
}

func TestCollectorRecordsHealthActionAndOverrun(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	c := NewCollector(broker)
	c.Start()
	defer c.Stop()

	beforeAction := counterValue(t, HealthActionsTotal, "partition", "warm_start")
	beforeOverrun := counterValue(t, PartitionWindowOverrunsTotal, "consumer")

	broker.Publish(&events.Event{
		Type:      events.EventHealthAction,
		Partition: "consumer",
		Metadata: map[string]string{
			"level":  "partition",
			"action": "warm_start",
			"kind":   "time_duration_exceeded",
		},
	})
	time.Sleep(20 * time.Millisecond)

	if got := counterValue(t, HealthActionsTotal, "partition", "warm_start"); got != beforeAction+1 {
		t.Errorf("expected HealthActionsTotal to increment by 1, got %v -> %v", beforeAction, got)
	}
	if got := counterValue(t, PartitionWindowOverrunsTotal, "consumer"); got != beforeOverrun+1 {
		t.Errorf("expected PartitionWindowOverrunsTotal to increment by 1, got %v -> %v", beforeOverrun, got)
	}
}
