// Package intake feeds compile requests from a message queue into the
// executor.
package intake

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/execution"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// CorrelationHeader may carry the correlation id when the body does not.
const CorrelationHeader = "x-correlation-id"

const (
	defaultOverloadRetries = 5
	defaultRetryBaseDelay  = time.Second
	defaultRetryMaxDelay   = 30 * time.Second
)

// Enqueuer admits executions for asynchronous runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, exec *execution.Execution, opts service.SubmitOptions) (string, error)
}

// ExecutionFactory validates submissions.
type ExecutionFactory interface {
	Create(sub execution.Submission) (*execution.Execution, error)
}

// Config names the intake topics and the overload policy.
type Config struct {
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
	// RetryTopic, when set, takes requests the executor had no room for.
	RetryTopic      string        `yaml:"retryTopic"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	OverloadRetries int           `yaml:"overloadRetries"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay"`
}

func (c *Config) applyDefaults() {
	if c.OverloadRetries <= 0 {
		c.OverloadRetries = defaultOverloadRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
}

// Consumer turns queue messages into executor tickets.
type Consumer struct {
	cfg      Config
	factory  ExecutionFactory
	executor Enqueuer
	producer mq.Producer
}

// NewConsumer creates a consumer. producer is only used for overload
// requeues and may be nil when no RetryTopic is configured.
func NewConsumer(cfg Config, factory ExecutionFactory, executor Enqueuer, producer mq.Producer) *Consumer {
	cfg.applyDefaults()
	return &Consumer{cfg: cfg, factory: factory, executor: executor, producer: producer}
}

// Subscribe registers Handle for the intake topic and, when configured, the
// retry topic.
func (c *Consumer) Subscribe(ctx context.Context, queue mq.Consumer) error {
	if c.cfg.Topic == "" {
		return appErr.ValidationError("topic", "required")
	}
	opts := &mq.SubscribeOptions{
		ConsumerGroup:   c.cfg.ConsumerGroup,
		Concurrency:     c.cfg.Concurrency,
		MaxRetries:      c.cfg.MaxRetries,
		RetryDelay:      c.cfg.RetryDelay,
		DeadLetterTopic: c.cfg.DeadLetterTopic,
		MessageTTL:      c.cfg.MessageTTL,
	}
	if err := queue.SubscribeWithOptions(ctx, c.cfg.Topic, c.Handle, opts); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "subscribe %s failed", c.cfg.Topic)
	}
	if c.cfg.RetryTopic != "" && c.cfg.RetryTopic != c.cfg.Topic {
		if err := queue.SubscribeWithOptions(ctx, c.cfg.RetryTopic, c.Handle, opts); err != nil {
			return appErr.Wrapf(err, appErr.ServiceUnavailable, "subscribe %s failed", c.cfg.RetryTopic)
		}
	}
	return nil
}

// Handle admits one request. Requests that can never run are logged and
// dropped; an overloaded executor yields an error, or a requeue when a
// retry topic is configured.
func (c *Consumer) Handle(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	fields := []zap.Field{zap.String("message_id", msg.ID)}

	var req model.CompileRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		logger.Warn(ctx, "drop malformed compile request", append(fields, zap.Error(err))...)
		return nil
	}
	opts, err := submitOptions(req, msg)
	if err != nil {
		logger.Warn(ctx, "drop compile request with bad callback", append(fields, zap.Error(err))...)
		return nil
	}
	sub, err := req.ToSubmission()
	if err != nil {
		logger.Warn(ctx, "drop undecodable compile request", append(fields, zap.Error(err))...)
		return nil
	}
	exec, err := c.factory.Create(sub)
	if err != nil {
		logger.Warn(ctx, "drop invalid compile request", append(fields, zap.Error(err))...)
		return nil
	}

	ticketID, err := c.executor.Enqueue(ctx, exec, opts)
	if err != nil {
		if appErr.Is(err, appErr.JudgeQueueFull) && c.cfg.RetryTopic != "" {
			return c.requeue(ctx, msg)
		}
		logger.Warn(ctx, "compile request not admitted", append(fields, zap.Error(err))...)
		return err
	}
	logger.Info(ctx, "compile request admitted", append(fields,
		zap.String("ticket_id", ticketID),
		zap.String("correlation_id", opts.CorrelationID),
	)...)
	return nil
}

func submitOptions(req model.CompileRequest, msg *mq.Message) (service.SubmitOptions, error) {
	opts := service.SubmitOptions{CorrelationID: strings.TrimSpace(req.CorrelationID)}
	if opts.CorrelationID == "" {
		opts.CorrelationID, _ = msg.GetHeader(CorrelationHeader)
	}
	if strings.TrimSpace(req.CallbackURL) != "" {
		callback, err := model.ValidateCallbackURL(req.CallbackURL)
		if err != nil {
			return opts, err
		}
		opts.CallbackURL = callback
	}
	return opts, nil
}
