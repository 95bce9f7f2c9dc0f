package intake

import (
	"context"
	"strconv"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// OverloadRetryHeader counts how often a request was requeued because the
// executor was full.
const OverloadRetryHeader = "x-overload-retry"

// ParseOverloadRetries reads OverloadRetryHeader; missing or bad values are 0.
func ParseOverloadRetries(headers map[string]string) int {
	raw, ok := headers[OverloadRetryHeader]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// cloneForRetry copies msg with a fresh timestamp and the given count.
// The queue's own retry counter starts over.
func cloneForRetry(msg *mq.Message, retries int) *mq.Message {
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[OverloadRetryHeader] = strconv.Itoa(retries)
	return out
}

// requeue waits out the overload backoff and republishes msg on the retry
// topic, or on the dead letter topic once OverloadRetries is spent.
func (c *Consumer) requeue(ctx context.Context, msg *mq.Message) error {
	if c.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry producer is not configured")
	}
	retries := ParseOverloadRetries(msg.Headers)
	fields := []zap.Field{zap.String("message_id", msg.ID), zap.Int("retry_count", retries)}

	if retries >= c.cfg.OverloadRetries {
		if c.cfg.DeadLetterTopic == "" {
			logger.Warn(ctx, "overload retries exhausted without dead letter", fields...)
			return appErr.New(appErr.JudgeQueueFull).WithMessage("executor is full")
		}
		logger.Warn(ctx, "overload retries exhausted, sending to dead letter", append(fields, zap.String("topic", c.cfg.DeadLetterTopic))...)
		return c.producer.Publish(ctx, c.cfg.DeadLetterTopic, cloneForRetry(msg, retries))
	}

	delay := service.ComputeBackoff(retries, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "overload requeue cancelled during backoff", append(fields, zap.Duration("delay", delay))...)
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "executor full, requeueing compile request", append(fields,
		zap.Duration("delay", delay),
		zap.String("topic", c.cfg.RetryTopic),
	)...)
	return c.producer.Publish(ctx, c.cfg.RetryTopic, cloneForRetry(msg, retries+1))
}
