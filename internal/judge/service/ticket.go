package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codejudge/internal/judge/execution"
	"codejudge/internal/judge/verdict"
	"codejudge/pkg/utils/contextkey"

	"github.com/google/uuid"
)

// SubmitOptions carries the asynchronous delivery targets of a submission.
type SubmitOptions struct {
	CallbackURL   string
	CorrelationID string
}

// Receipt is what a caller gets back from Submit. Result is nil for
// asynchronous submissions.
type Receipt struct {
	TicketID string
	Result   *Result
}

// Result is the outcome of one ticket. Err is set when no verdict could be
// produced; Verdict is then empty.
type Result struct {
	TicketID       string
	CorrelationID  string
	CallbackURL    string
	Language       string
	Verdict        verdict.Verdict
	ExitCode       int
	Output         string
	Error          string
	ExpectedOutput string
	Truncated      bool
	Duration       time.Duration
	Err            error
	FinishedAt     time.Time
}

// Async reports whether the result is delivered by push.
func (r Result) Async() bool {
	return r.CallbackURL != ""
}

const (
	ticketQueued int32 = iota
	ticketRunning
	ticketAbandoned
)

type ticket struct {
	id   string
	exec *execution.Execution
	opts SubmitOptions
	ctx  context.Context

	state   atomic.Int32
	discard atomic.Bool

	once   sync.Once
	done   chan struct{}
	result Result
}

func newTicket(ctx context.Context, exec *execution.Execution, opts SubmitOptions) *ticket {
	id := uuid.NewString()
	return &ticket{
		id:   id,
		exec: exec,
		opts: opts,
		ctx:  context.WithValue(context.WithoutCancel(ctx), contextkey.TicketID, id),
		done: make(chan struct{}),
	}
}

// start claims the ticket for a worker. It fails when the waiter already
// gave up.
func (t *ticket) start() bool {
	return t.state.CompareAndSwap(ticketQueued, ticketRunning)
}

// abandon is called by a waiter that stopped waiting. A run already in
// progress finishes, but its result is dropped.
func (t *ticket) abandon() {
	if !t.state.CompareAndSwap(ticketQueued, ticketAbandoned) {
		t.discard.Store(true)
	}
}

func (t *ticket) abandoned() bool {
	return t.state.Load() == ticketAbandoned || t.discard.Load()
}

func (t *ticket) complete(res Result) {
	t.once.Do(func() {
		t.result = res
		close(t.done)
	})
}

func (t *ticket) baseResult() Result {
	return Result{
		TicketID:       t.id,
		CorrelationID:  t.opts.CorrelationID,
		CallbackURL:    t.opts.CallbackURL,
		Language:       string(t.exec.Language().ID),
		ExpectedOutput: string(t.exec.ExpectedOutput()),
	}
}

func (t *ticket) failure(err error, finished time.Time) Result {
	res := t.baseResult()
	res.Err = err
	res.FinishedAt = finished
	return res
}
