// Package dispatch hands finished results to their readers: the ticket
// store, the verdict topic and, for push submissions, the callback URL.
package dispatch

import (
	"context"
	"errors"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/observer"
	"codejudge/internal/judge/service"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Callback headers sent with every push delivery.
const (
	TicketIDHeader      = "X-Ticket-Id"
	CorrelationIDHeader = "X-Correlation-Id"
)

// TicketWriter stores terminal ticket statuses.
type TicketWriter interface {
	SaveResult(ctx context.Context, status model.TicketStatus) error
}

// Deps are the optional sinks of a Dispatcher.
type Deps struct {
	Tickets   TicketWriter
	Publisher VerdictPublisher
	Webhook   *Webhook
	Metrics   observer.MetricsSink
}

// Dispatcher implements service.Notifier.
type Dispatcher struct {
	tickets   TicketWriter
	publisher VerdictPublisher
	webhook   *Webhook
	metrics   observer.MetricsSink
}

// NewDispatcher creates a dispatcher over deps. Nil sinks are skipped.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{
		tickets:   deps.Tickets,
		publisher: deps.Publisher,
		webhook:   deps.Webhook,
		metrics:   observer.OrNoop(deps.Metrics),
	}
}

// Notify records res and pushes it to its callback. Failures of one sink do
// not stop the others; the returned error joins them.
func (d *Dispatcher) Notify(ctx context.Context, res service.Result) error {
	status := model.NewTicketStatus(res)
	fields := []zap.Field{
		zap.String("ticket_id", res.TicketID),
		zap.String("status", string(status.Status)),
	}

	var errs []error
	if d.tickets != nil {
		if err := d.tickets.SaveResult(ctx, status); err != nil {
			logger.Warn(ctx, "store ticket result failed", append(fields, zap.Error(err))...)
			errs = append(errs, err)
		}
	}

	if d.publisher != nil {
		err := d.publisher.PublishFinal(ctx, status)
		d.metrics.ObserveDelivery(ctx, observer.DeliveryKafka, err == nil)
		if err != nil {
			logger.Warn(ctx, "publish verdict failed", append(fields, zap.Error(err))...)
			errs = append(errs, err)
		}
	}

	if res.Async() && d.webhook != nil {
		headers := map[string]string{
			TicketIDHeader:      res.TicketID,
			CorrelationIDHeader: res.CorrelationID,
		}
		attempts, err := d.webhook.Deliver(ctx, res.CallbackURL, model.DeliveryBody(res), headers)
		d.metrics.ObserveDelivery(ctx, observer.DeliveryWebhook, err == nil)
		if err != nil {
			logger.Error(ctx, "callback delivery abandoned", append(fields, zap.Int("attempts", attempts), zap.Error(err))...)
			errs = append(errs, err)
		} else {
			logger.Info(ctx, "callback delivered", append(fields, zap.Int("attempts", attempts))...)
		}
	}
	return errors.Join(errs...)
}
