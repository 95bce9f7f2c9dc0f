package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// CorrelationHeader carries the caller's correlation id on verdict messages.
const CorrelationHeader = "x-correlation-id"

// VerdictPublisher publishes terminal ticket statuses.
type VerdictPublisher interface {
	PublishFinal(ctx context.Context, status model.TicketStatus) error
}

// MQVerdictPublisher publishes verdict events to a message queue topic.
type MQVerdictPublisher struct {
	queue mq.Producer
	topic string
	now   func() time.Time
}

// NewMQVerdictPublisher creates a publisher for topic.
func NewMQVerdictPublisher(queue mq.Producer, topic string) *MQVerdictPublisher {
	return &MQVerdictPublisher{queue: queue, topic: topic, now: time.Now}
}

// PublishFinal publishes status keyed by its ticket id.
func (p *MQVerdictPublisher) PublishFinal(ctx context.Context, status model.TicketStatus) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("verdict publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("verdict topic is required")
	}
	if status.TicketID == "" {
		return appErr.ValidationError("ticket_id", "required")
	}
	payload, err := json.Marshal(model.VerdictEvent{
		Type:      model.VerdictEventFinal,
		Ticket:    status,
		CreatedAt: p.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal verdict event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = status.TicketID
	if status.CorrelationID != "" {
		message.SetHeader(CorrelationHeader, status.CorrelationID)
	}
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish verdict event failed")
	}
	return nil
}
