package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of all engine instruments.
const ScopeName = "github.com/hupe1980/agentvisor"

// OTelRecorder records engine counters as OpenTelemetry instruments.
type OTelRecorder struct {
	instancesCreated   metric.Int64Counter
	instancesDestroyed metric.Int64Counter
	creationLatency    metric.Float64Histogram
	runsSucceeded      metric.Int64Counter
	runAttempts        metric.Int64Histogram
	runsRestarted      metric.Int64Counter
	runsFailed         metric.Int64Counter
	stallDetected      metric.Int64Counter
	deliveryFailed     metric.Int64Counter
}

// NewOTelRecorder creates the instruments on mp's meter. A nil provider uses
// the global one.
func NewOTelRecorder(mp metric.MeterProvider) (*OTelRecorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(ScopeName)

	var (
		r   OTelRecorder
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.instancesCreated, "agentvisor.instances_created", "Agent instances constructed"},
		{&r.instancesDestroyed, "agentvisor.instances_destroyed", "Agent instances destroyed"},
		{&r.runsSucceeded, "agentvisor.runs_succeeded", "Runs that reached SUCCEEDED"},
		{&r.runsRestarted, "agentvisor.runs_restarted", "Restart transitions"},
		{&r.runsFailed, "agentvisor.runs_failed", "Runs that reached FAILED"},
		{&r.stallDetected, "agentvisor.stall_detected", "Liveness watchdog firings"},
		{&r.deliveryFailed, "agentvisor.delivery_failed", "Events the router refused"},
	}
	for _, c := range counters {
		*c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: create %s: %w", c.name, err)
		}
	}

	r.creationLatency, err = m.Float64Histogram("agentvisor.instance_creation_ms",
		metric.WithDescription("Agent construction latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("metrics: create instance_creation_ms: %w", err)
	}
	r.runAttempts, err = m.Int64Histogram("agentvisor.run_attempts",
		metric.WithDescription("Attempts needed by successful runs"))
	if err != nil {
		return nil, fmt.Errorf("metrics: create run_attempts: %w", err)
	}

	return &r, nil
}

func agentAttr(agentType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("agent_type", agentType))
}

// InstanceCreated implements Recorder.
func (r *OTelRecorder) InstanceCreated(agentType string, elapsed time.Duration) {
	ctx := context.Background()
	r.instancesCreated.Add(ctx, 1, agentAttr(agentType))
	r.creationLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), agentAttr(agentType))
}

// InstanceDestroyed implements Recorder.
func (r *OTelRecorder) InstanceDestroyed(agentType string) {
	r.instancesDestroyed.Add(context.Background(), 1, agentAttr(agentType))
}

// RunSucceeded implements Recorder.
func (r *OTelRecorder) RunSucceeded(agentType string, attempts int) {
	ctx := context.Background()
	r.runsSucceeded.Add(ctx, 1, agentAttr(agentType))
	r.runAttempts.Record(ctx, int64(attempts), agentAttr(agentType))
}

// RunRestarted implements Recorder.
func (r *OTelRecorder) RunRestarted(agentType string) {
	r.runsRestarted.Add(context.Background(), 1, agentAttr(agentType))
}

// RunFailed implements Recorder.
func (r *OTelRecorder) RunFailed(agentType string) {
	r.runsFailed.Add(context.Background(), 1, agentAttr(agentType))
}

// StallDetected implements Recorder.
func (r *OTelRecorder) StallDetected(agentType string) {
	r.stallDetected.Add(context.Background(), 1, agentAttr(agentType))
}

// DeliveryFailed implements Recorder.
func (r *OTelRecorder) DeliveryFailed(eventType string) {
	r.deliveryFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
