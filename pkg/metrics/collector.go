package metrics

import (
	"github.com/cuemby/a653hv/internal/health"
	"github.com/cuemby/a653hv/pkg/events"
)

// Collector subscribes to the event broker and updates the Prometheus
// metrics the events describe, decoupling the scheduler's dispatch loop
// from metrics bookkeeping.
type Collector struct {
	broker *events.Broker
	sub    events.Subscriber
	stopCh chan struct{}
}

// NewCollector creates a collector subscribed to broker.
func NewCollector(broker *events.Broker) *Collector {
	return &Collector{
		broker: broker,
		sub:    broker.Subscribe(),
		stopCh: make(chan struct{}),
	}
}

// Start begins consuming events until Stop is called.
func (c *Collector) Start() {
	go c.run()
}

// Stop stops the collector and unsubscribes it from the broker.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.broker.Unsubscribe(c.sub)
}

func (c *Collector) run() {
	for {
		select {
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			c.record(ev)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) record(ev *events.Event) {
	switch ev.Type {
	case events.EventPartitionTransitioned, events.EventPartitionRespawned:
		PartitionsScheduledTotal.WithLabelValues(ev.Partition).Inc()
	case events.EventHealthAction:
		level := ev.Metadata["level"]
		action := ev.Metadata["action"]
		HealthActionsTotal.WithLabelValues(level, action).Inc()
		if ev.Metadata["kind"] == health.TimeDurationExceeded.String() {
			PartitionWindowOverrunsTotal.WithLabelValues(ev.Partition).Inc()
		}
	}
}
