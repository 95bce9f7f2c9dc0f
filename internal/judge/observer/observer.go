// Package observer defines the metrics hooks the judge reports into.
package observer

import (
	"context"
	"time"

	"codejudge/internal/judge/verdict"
)

// Delivery modes reported to ObserveDelivery.
const (
	DeliveryWebhook = "webhook"
	DeliveryKafka   = "kafka"
)

// MetricsSink records executor and delivery events.
type MetricsSink interface {
	ObserveAdmitted(ctx context.Context, language string)
	ObserveRejected(ctx context.Context, language string)
	ObserveLoad(running, queued int)
	ObserveCompleted(ctx context.Context, language string, v verdict.Verdict, elapsed time.Duration)
	ObserveInfrastructureFailure(ctx context.Context, language string)
	ObserveDelivery(ctx context.Context, mode string, ok bool)
	ObserveRateLimited(ctx context.Context, route string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveAdmitted(context.Context, string) {}
func (Noop) ObserveRejected(context.Context, string) {}
func (Noop) ObserveLoad(int, int) {}
func (Noop) ObserveCompleted(context.Context, string, verdict.Verdict, time.Duration) {}
func (Noop) ObserveInfrastructureFailure(context.Context, string) {}
func (Noop) ObserveDelivery(context.Context, string, bool) {}
func (Noop) ObserveRateLimited(context.Context, string) {}

// OrNoop returns sink, or Noop when sink is nil.
func OrNoop(sink MetricsSink) MetricsSink {
	if sink == nil {
		return Noop{}
	}
	return sink
}
