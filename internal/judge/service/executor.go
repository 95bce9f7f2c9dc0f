// Package service runs submissions through a fixed pool of sandbox slots fed
// by a bounded FIFO queue.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codejudge/internal/judge/compare"
	"codejudge/internal/judge/execution"
	"codejudge/internal/judge/observer"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/verdict"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSlots          = 4
	defaultRetryBaseDelay = 200 * time.Millisecond
	defaultRetryMaxDelay  = 2 * time.Second
	// waitHeadroom covers container create, start and inspect on top of
	// the supervisory run budget.
	waitHeadroom = 30 * time.Second
	// sandboxAttempts is the first run plus exactly one retry.
	sandboxAttempts = 2
)

// DefaultWaitTimeout is how long a synchronous caller waits when the
// compile step is bounded by compileTimeLimit: the longest allowed run,
// the compile step, the supervisor margin and headroom.
func DefaultWaitTimeout(compileTimeLimit time.Duration) time.Duration {
	if compileTimeLimit <= 0 {
		compileTimeLimit = execution.DefaultCompileTimeLimit * time.Second
	}
	return execution.MaxTimeLimit*time.Second + compileTimeLimit + sandbox.DefaultSupervisorMargin + waitHeadroom
}

// Notifier receives every result that still has a reader: synchronous
// results after the caller got them, and every asynchronous result.
type Notifier interface {
	Notify(ctx context.Context, res Result) error
}

// TicketStore records that an asynchronous ticket was accepted.
type TicketStore interface {
	SaveQueued(ctx context.Context, ticketID, correlationID, language string) error
}

// Config sizes the executor.
type Config struct {
	Slots          int           `yaml:"slots"`
	QueueCapacity  int           `yaml:"queueCapacity"`
	WaitTimeout    time.Duration `yaml:"waitTimeout"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
}

func (c *Config) applyDefaults() {
	if c.Slots <= 0 {
		c.Slots = defaultSlots
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout(0)
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
}

// Deps are the collaborators of an Executor. Runner is required.
type Deps struct {
	Runner     sandbox.Runner
	Comparator compare.Comparator
	Notifier   Notifier
	Tickets    TicketStore
	Metrics    observer.MetricsSink
}

// Executor admits submissions and runs them on a fixed worker pool.
type Executor struct {
	cfg        Config
	runner     sandbox.Runner
	comparator compare.Comparator
	notifier   Notifier
	tickets    TicketStore
	metrics    observer.MetricsSink
	now        func() time.Time

	mu       sync.Mutex
	inFlight int
	running  int
	closed   bool
	jobs     chan *ticket

	runCtx     context.Context
	cancelRuns context.CancelFunc
	workers    sync.WaitGroup
	deliveries sync.WaitGroup
}

// NewExecutor starts cfg.Slots workers.
func NewExecutor(cfg Config, deps Deps) (*Executor, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("sandbox runner is required")
	}
	cfg.applyDefaults()
	if deps.Comparator == nil {
		deps.Comparator = compare.WhitespaceInsensitive{}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:        cfg,
		runner:     deps.Runner,
		comparator: deps.Comparator,
		notifier:   deps.Notifier,
		tickets:    deps.Tickets,
		metrics:    observer.OrNoop(deps.Metrics),
		now:        time.Now,
		jobs:       make(chan *ticket, cfg.Slots+cfg.QueueCapacity),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
	e.workers.Add(cfg.Slots)
	for i := 0; i < cfg.Slots; i++ {
		go e.worker()
	}
	return e, nil
}

// Capacity is the number of submissions that can be in flight at once.
func (e *Executor) Capacity() int {
	return e.cfg.Slots + e.cfg.QueueCapacity
}

// Load reports the running and queued submission counts.
func (e *Executor) Load() (running, queued int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, e.inFlight - e.running
}

// Submit runs exec. Without a callback URL it waits for the verdict, bounded
// by WaitTimeout; with one it returns as soon as the ticket is admitted.
func (e *Executor) Submit(ctx context.Context, exec *execution.Execution, callbackURL string) (Receipt, error) {
	if callbackURL != "" {
		id, err := e.Enqueue(ctx, exec, SubmitOptions{CallbackURL: callbackURL})
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{TicketID: id}, nil
	}

	t, err := e.admit(ctx, exec, SubmitOptions{})
	if err != nil {
		return Receipt{}, err
	}

	timer := time.NewTimer(e.cfg.WaitTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
		res := t.result
		if res.Err != nil {
			return Receipt{TicketID: t.id}, res.Err
		}
		return Receipt{TicketID: t.id, Result: &res}, nil
	case <-timer.C:
		t.abandon()
		logger.Warn(t.ctx, "submission wait timed out", zap.Duration("wait_timeout", e.cfg.WaitTimeout))
		return Receipt{TicketID: t.id}, appErr.New(appErr.Timeout).
			WithMessage("execution did not finish in time").
			WithDetail("ticketId", t.id)
	case <-ctx.Done():
		t.abandon()
		return Receipt{TicketID: t.id}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "caller stopped waiting")
	}
}

// Enqueue admits exec for asynchronous execution and returns its ticket id.
func (e *Executor) Enqueue(ctx context.Context, exec *execution.Execution, opts SubmitOptions) (string, error) {
	t, err := e.admit(ctx, exec, opts)
	if err != nil {
		return "", err
	}
	if e.tickets != nil {
		if err := e.tickets.SaveQueued(t.ctx, t.id, opts.CorrelationID, string(exec.Language().ID)); err != nil {
			logger.Warn(t.ctx, "record queued ticket failed", zap.Error(err))
		}
	}
	return t.id, nil
}

func (e *Executor) admit(ctx context.Context, exec *execution.Execution, opts SubmitOptions) (*ticket, error) {
	if exec == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("execution is nil")
	}
	lang := string(exec.Language().ID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, appErr.New(appErr.ExecutorClosed)
	}
	if e.inFlight >= e.Capacity() {
		e.metrics.ObserveRejected(ctx, lang)
		logger.Warn(ctx, "submission rejected, executor full",
			zap.String("language", lang),
			zap.Int("in_flight", e.inFlight),
			zap.Int("capacity", e.Capacity()))
		return nil, appErr.New(appErr.JudgeQueueFull)
	}

	t := newTicket(ctx, exec, opts)
	e.inFlight++
	// Never blocks: the buffer holds Capacity() tickets and inFlight bounds it.
	e.jobs <- t
	e.metrics.ObserveAdmitted(ctx, lang)
	e.metrics.ObserveLoad(e.running, e.inFlight-e.running)
	return t, nil
}

// Close stops admission and waits for queued and running submissions and
// their deliveries. When ctx ends first, running sandboxes are cancelled.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.workers.Wait()
		e.deliveries.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		e.cancelRuns()
		return nil
	case <-ctx.Done():
		e.cancelRuns()
		return ctx.Err()
	}
}

func (e *Executor) worker() {
	defer e.workers.Done()
	for t := range e.jobs {
		e.handle(t)
	}
}

func (e *Executor) handle(t *ticket) {
	if !t.start() {
		logger.Info(t.ctx, "skipping abandoned submission")
		e.cleanup(t)
		e.release(false)
		t.complete(t.failure(appErr.New(appErr.Timeout), e.now()))
		return
	}

	e.mu.Lock()
	e.running++
	e.metrics.ObserveLoad(e.running, e.inFlight-e.running)
	e.mu.Unlock()

	res := e.execute(t)
	e.release(true)
	t.complete(res)

	if t.abandoned() {
		logger.Info(t.ctx, "discarding result of abandoned submission", zap.String("verdict", string(res.Verdict)))
		return
	}
	e.deliver(t.ctx, res)
}

func (e *Executor) release(started bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--
	if started {
		e.running--
	}
	e.metrics.ObserveLoad(e.running, e.inFlight-e.running)
}

func (e *Executor) deliver(ctx context.Context, res Result) {
	if e.notifier == nil {
		return
	}
	e.deliveries.Add(1)
	go func() {
		defer e.deliveries.Done()
		if err := e.notifier.Notify(ctx, res); err != nil {
			logger.Warn(ctx, "result delivery failed", zap.Error(err))
		}
	}()
}

// execute runs the full pipeline for one ticket. Staging is removed before it
// returns, whatever happens.
func (e *Executor) execute(t *ticket) (res Result) {
	ctx := t.ctx
	lang := string(t.exec.Language().ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "submission panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = t.failure(appErr.Newf(appErr.InternalServerError, "execution panicked: %v", r), e.now())
		}
	}()
	defer e.cleanup(t)

	if err := t.exec.Stage(); err != nil {
		e.metrics.ObserveInfrastructureFailure(ctx, lang)
		logger.Error(ctx, "stage submission failed", zap.Error(err))
		return t.failure(err, e.now())
	}
	if err := t.exec.PrepareEntrypoint(); err != nil {
		e.metrics.ObserveInfrastructureFailure(ctx, lang)
		logger.Error(ctx, "prepare entrypoint failed", zap.Error(err))
		return t.failure(err, e.now())
	}

	raw, err := e.runWithRetry(ctx, t)
	if err != nil {
		e.metrics.ObserveInfrastructureFailure(ctx, lang)
		logger.Error(ctx, "sandbox run failed", zap.Error(err))
		return t.failure(err, e.now())
	}

	status := verdict.Normalize(raw.ExitCode, raw.TimeLimitExceeded, raw.MemoryLimitExceeded)
	matched := false
	if status == verdict.SuccessCode {
		matched = e.comparator.Equal(raw.Stdout, t.exec.ExpectedOutput())
	}
	v := verdict.Decode(status, matched)
	e.metrics.ObserveCompleted(ctx, lang, v, raw.WallTime)
	logger.Info(ctx, "submission judged",
		zap.String("language", lang),
		zap.String("verdict", string(v)),
		zap.Int("exit_code", raw.ExitCode),
		zap.Duration("wall_time", raw.WallTime))

	res = t.baseResult()
	res.Verdict = v
	res.ExitCode = status
	res.Output = string(raw.Stdout)
	res.Error = string(raw.Stderr)
	res.Truncated = raw.OutputTruncated
	res.Duration = raw.WallTime
	res.FinishedAt = e.now()
	return res
}

func (e *Executor) runWithRetry(ctx context.Context, t *ticket) (sandbox.RawResult, error) {
	req := sandbox.RequestFor(t.id, t.exec.Artifacts())
	var lastErr error
	for attempt := 0; attempt < sandboxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(attempt-1, e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay)
			logger.Warn(ctx, "retrying sandbox run", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))
			if !sleepContext(e.runCtx, delay) {
				break
			}
		}
		raw, err := e.runOnce(ctx, req)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	if appErr.Is(lastErr, appErr.SandboxUnavailable) {
		return sandbox.RawResult{}, lastErr
	}
	return sandbox.RawResult{}, appErr.Wrapf(lastErr, appErr.SandboxUnavailable, "sandbox run failed")
}

func (e *Executor) cleanup(t *ticket) {
	if err := t.exec.Cleanup(); err != nil {
		logger.Warn(t.ctx, "remove staging failed", zap.Error(err))
	}
}

// runOnce runs the sandbox with ctx's values, cancelled when Close gives up.
func (e *Executor) runOnce(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.runCtx, cancel)
	defer stop()
	return e.runner.Run(runCtx, req)
}
