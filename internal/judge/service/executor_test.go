package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codejudge/internal/judge/entrypoint"
	"codejudge/internal/judge/execution"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/verdict"
	appErr "codejudge/pkg/errors"
)

type runnerFunc func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error)

func (f runnerFunc) Run(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
	return f(ctx, req)
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []Result
}

func (n *recordingNotifier) Notify(ctx context.Context, res Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
	return nil
}

func (n *recordingNotifier) all() []Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Result, len(n.results))
	copy(out, n.results)
	return out
}

type recordingTickets struct {
	mu     sync.Mutex
	queued []string
}

func (s *recordingTickets) SaveQueued(ctx context.Context, ticketID, correlationID, lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, ticketID)
	return nil
}

type countingMetrics struct {
	admitted, rejected, completed, infra atomic.Int64
}

func (m *countingMetrics) ObserveAdmitted(context.Context, string) { m.admitted.Add(1) }
func (m *countingMetrics) ObserveRejected(context.Context, string) { m.rejected.Add(1) }
func (m *countingMetrics) ObserveLoad(int, int) {}
func (m *countingMetrics) ObserveCompleted(context.Context, string, verdict.Verdict, time.Duration) {
	m.completed.Add(1)
}
func (m *countingMetrics) ObserveInfrastructureFailure(context.Context, string) { m.infra.Add(1) }
func (m *countingMetrics) ObserveDelivery(context.Context, string, bool) {}
func (m *countingMetrics) ObserveRateLimited(context.Context, string) {}

func newFactory(t *testing.T) *execution.Factory {
	t.Helper()
	gen, err := entrypoint.NewGenerator()
	if err != nil {
		t.Fatalf("new generator failed: %v", err)
	}
	f, err := execution.NewFactory(execution.FactoryConfig{
		Registry:    language.DefaultRegistry(),
		Generator:   gen,
		StagingRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new factory failed: %v", err)
	}
	return f
}

func newExecution(t *testing.T, f *execution.Factory, lang, source, expected string) *execution.Execution {
	t.Helper()
	exec, err := f.Create(execution.Submission{
		Language:       lang,
		SourceCode:     []byte(source),
		ExpectedOutput: []byte(expected),
		TimeLimit:      2,
		MemoryLimit:    256,
	})
	if err != nil {
		t.Fatalf("create execution failed: %v", err)
	}
	return exec
}

func newTestExecutor(t *testing.T, cfg Config, deps Deps) *Executor {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	ex, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("new executor failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ex.Close(ctx)
	})
	return ex
}

func assertGone(t *testing.T, dir string) {
	t.Helper()
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected staging dir %s to be removed, stat err=%v", dir, err)
	}
}

func TestEndToEndScenarios(t *testing.T) {
	cases := []struct {
		name     string
		lang     string
		source   string
		expected string
		raw      sandbox.RawResult
		want     verdict.Verdict
		wantExit int
	}{
		{
			name:   "c program accepted",
			lang:   "c",
			source: "int main(){return 0;}",
			raw:    sandbox.RawResult{ExitCode: 0},
			want:   verdict.Accepted,
		},
		{
			name:     "python uncaught error",
			lang:     "python",
			source:   "raise ValueError('boom')",
			raw:      sandbox.RawResult{ExitCode: 1, Stderr: []byte("Traceback ...\nValueError: boom\n")},
			want:     verdict.RuntimeError,
			wantExit: 1,
		},
		{
			name:     "syntax error",
			lang:     "cpp",
			source:   "int main( {",
			raw:      sandbox.RawResult{ExitCode: verdict.CompilationErrorCode, Stderr: []byte("error: expected ')'")},
			want:     verdict.CompilationError,
			wantExit: verdict.CompilationErrorCode,
		},
		{
			name:     "infinite loop",
			lang:     "c",
			source:   "int main(){while(1){}}",
			raw:      sandbox.RawResult{ExitCode: verdict.TimeLimitCode, WallTime: 2 * time.Second},
			want:     verdict.TimeLimitExceeded,
			wantExit: verdict.TimeLimitCode,
		},
		{
			name:     "supervisor deadline",
			lang:     "c",
			source:   "int main(){while(1){}}",
			raw:      sandbox.RawResult{ExitCode: 137, TimeLimitExceeded: true},
			want:     verdict.TimeLimitExceeded,
			wantExit: verdict.TimeLimitCode,
		},
		{
			name:     "trailing whitespace",
			lang:     "python",
			source:   "print('42  ')",
			expected: "42\n",
			raw:      sandbox.RawResult{ExitCode: 0, Stdout: []byte("42  \n\n")},
			want:     verdict.Accepted,
		},
		{
			name:     "wrong answer",
			lang:     "python",
			source:   "print(41)",
			expected: "42\n",
			raw:      sandbox.RawResult{ExitCode: 0, Stdout: []byte("41\n")},
			want:     verdict.WrongAnswer,
		},
		{
			name:     "out of memory",
			lang:     "java",
			source:   "public class Main {}",
			raw:      sandbox.RawResult{ExitCode: 137, MemoryLimitExceeded: true},
			want:     verdict.OutOfMemory,
			wantExit: verdict.MemoryLimitCode,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			factory := newFactory(t)
			var staged atomic.Bool
			runner := runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
				if _, err := os.Stat(req.EntrypointPath); err == nil {
					staged.Store(true)
				}
				return tc.raw, nil
			})
			ex := newTestExecutor(t, Config{Slots: 1}, Deps{Runner: runner})
			exec := newExecution(t, factory, tc.lang, tc.source, tc.expected)

			receipt, err := ex.Submit(context.Background(), exec, "")
			if err != nil {
				t.Fatalf("submit failed: %v", err)
			}
			if receipt.Result == nil {
				t.Fatalf("expected a synchronous result")
			}
			if receipt.Result.Verdict != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, receipt.Result.Verdict)
			}
			if receipt.Result.ExitCode != tc.wantExit {
				t.Fatalf("expected exit %d, got %d", tc.wantExit, receipt.Result.ExitCode)
			}
			if !staged.Load() {
				t.Fatalf("expected entrypoint to exist during the run")
			}
			assertGone(t, exec.StagingDir())
		})
	}
}

func blockingRunner(release <-chan struct{}, calls *atomic.Int64) runnerFunc {
	return func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return sandbox.RawResult{}, ctx.Err()
		}
		return sandbox.RawResult{ExitCode: 0}, nil
	}
}

func TestAdmissionWithoutQueue(t *testing.T) {
	factory := newFactory(t)
	release := make(chan struct{})
	var calls atomic.Int64
	metrics := &countingMetrics{}
	notifier := &recordingNotifier{}
	ex := newTestExecutor(t, Config{Slots: 2}, Deps{
		Runner:   blockingRunner(release, &calls),
		Notifier: notifier,
		Metrics:  metrics,
	})
	defer close(release)

	for i := 0; i < 2; i++ {
		exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
		if _, err := ex.Enqueue(context.Background(), exec, SubmitOptions{CallbackURL: "http://example.com/hook"}); err != nil {
			t.Fatalf("submission %d rejected: %v", i+1, err)
		}
	}

	rejected := newExecution(t, factory, "c", "int main(){return 0;}", "")
	_, err := ex.Enqueue(context.Background(), rejected, SubmitOptions{CallbackURL: "http://example.com/hook"})
	if !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected JudgeQueueFull, got %v", err)
	}
	if got := appErr.GetCode(err).HTTPStatus(); got != 503 {
		t.Fatalf("expected 503, got %d", got)
	}
	assertGone(t, rejected.StagingDir())
	if metrics.rejected.Load() != 1 || metrics.admitted.Load() != 2 {
		t.Fatalf("unexpected metrics admitted=%d rejected=%d", metrics.admitted.Load(), metrics.rejected.Load())
	}
}

func TestAdmissionWithQueue(t *testing.T) {
	factory := newFactory(t)
	release := make(chan struct{})
	var calls atomic.Int64
	ex := newTestExecutor(t, Config{Slots: 1, QueueCapacity: 2}, Deps{
		Runner:   blockingRunner(release, &calls),
		Notifier: &recordingNotifier{},
	})
	defer close(release)

	opts := SubmitOptions{CallbackURL: "http://example.com/hook"}
	for i := 0; i < 3; i++ {
		exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
		if _, err := ex.Enqueue(context.Background(), exec, opts); err != nil {
			t.Fatalf("submission %d rejected: %v", i+1, err)
		}
	}
	exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
	if _, err := ex.Enqueue(context.Background(), exec, opts); !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected the fourth submission to be rejected, got %v", err)
	}
	if _, queued := ex.Load(); queued > 2 {
		t.Fatalf("expected at most 2 queued, got %d", queued)
	}
}

func TestSyncTimeoutSkipsQueuedRun(t *testing.T) {
	factory := newFactory(t)
	release := make(chan struct{})
	var calls atomic.Int64
	notifier := &recordingNotifier{}
	ex := newTestExecutor(t, Config{Slots: 1, QueueCapacity: 1, WaitTimeout: 50 * time.Millisecond}, Deps{
		Runner:   blockingRunner(release, &calls),
		Notifier: notifier,
	})

	first := newExecution(t, factory, "c", "int main(){return 0;}", "")
	if _, err := ex.Enqueue(context.Background(), first, SubmitOptions{CallbackURL: "http://example.com/hook"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 })

	second := newExecution(t, factory, "c", "int main(){return 0;}", "")
	receipt, err := ex.Submit(context.Background(), second, "")
	if !appErr.Is(err, appErr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if receipt.TicketID == "" {
		t.Fatalf("expected a ticket id on timeout")
	}

	close(release)
	if err := ex.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected the abandoned submission never to run, got %d runs", calls.Load())
	}
	assertGone(t, first.StagingDir())
	assertGone(t, second.StagingDir())
	for _, res := range notifier.all() {
		if res.TicketID == receipt.TicketID {
			t.Fatalf("expected no delivery for the abandoned ticket")
		}
	}
}

func TestSyncTimeoutDiscardsRunningResult(t *testing.T) {
	factory := newFactory(t)
	release := make(chan struct{})
	var calls atomic.Int64
	notifier := &recordingNotifier{}
	ex := newTestExecutor(t, Config{Slots: 1, WaitTimeout: 50 * time.Millisecond}, Deps{
		Runner:   blockingRunner(release, &calls),
		Notifier: notifier,
	})

	exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
	if _, err := ex.Submit(context.Background(), exec, ""); !appErr.Is(err, appErr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	close(release)
	if err := ex.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected the run to complete, got %d runs", calls.Load())
	}
	if len(notifier.all()) != 0 {
		t.Fatalf("expected the result to be discarded")
	}
	assertGone(t, exec.StagingDir())
}

func TestInfrastructureFailureRetriesOnce(t *testing.T) {
	factory := newFactory(t)
	var calls atomic.Int64
	metrics := &countingMetrics{}
	runner := runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
		calls.Add(1)
		return sandbox.RawResult{}, errors.New("daemon unreachable")
	})
	ex := newTestExecutor(t, Config{Slots: 1}, Deps{Runner: runner, Metrics: metrics})

	exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
	_, err := ex.Submit(context.Background(), exec, "")
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}
	if got := appErr.GetCode(err).HTTPStatus(); got != 500 {
		t.Fatalf("expected 500, got %d", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if metrics.infra.Load() != 1 || metrics.completed.Load() != 0 {
		t.Fatalf("unexpected metrics infra=%d completed=%d", metrics.infra.Load(), metrics.completed.Load())
	}
	assertGone(t, exec.StagingDir())
}

func TestInfrastructureRetrySucceeds(t *testing.T) {
	factory := newFactory(t)
	var calls atomic.Int64
	runner := runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
		if calls.Add(1) == 1 {
			return sandbox.RawResult{}, errors.New("transient")
		}
		return sandbox.RawResult{ExitCode: 0, Stdout: []byte("ok\n")}, nil
	})
	ex := newTestExecutor(t, Config{Slots: 1}, Deps{Runner: runner})

	exec := newExecution(t, factory, "python", "print('ok')", "ok")
	receipt, err := ex.Submit(context.Background(), exec, "")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.Result.Verdict != verdict.Accepted {
		t.Fatalf("expected ACCEPTED, got %s", receipt.Result.Verdict)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	factory := newFactory(t)
	runner := runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
		panic("runner exploded")
	})
	ex := newTestExecutor(t, Config{Slots: 1}, Deps{Runner: runner})

	exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
	_, err := ex.Submit(context.Background(), exec, "")
	if !appErr.Is(err, appErr.InternalServerError) {
		t.Fatalf("expected InternalServerError, got %v", err)
	}
	assertGone(t, exec.StagingDir())

	// The worker survives the panic.
	ok := newExecution(t, factory, "c", "int main(){return 0;}", "")
	if _, err := ex.Submit(context.Background(), ok, ""); !appErr.Is(err, appErr.InternalServerError) {
		t.Fatalf("expected the worker to keep serving, got %v", err)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	factory := newFactory(t)
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	runner := runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
		mu.Lock()
		order = append(order, req.SubmissionID)
		mu.Unlock()
		<-release
		return sandbox.RawResult{}, nil
	})
	ex := newTestExecutor(t, Config{Slots: 1, QueueCapacity: 4}, Deps{Runner: runner, Notifier: &recordingNotifier{}})

	var ids []string
	for i := 0; i < 4; i++ {
		exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
		id, err := ex.Enqueue(context.Background(), exec, SubmitOptions{CorrelationID: "c"})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}
	close(release)
	if err := ex.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(ids) {
		t.Fatalf("expected %d runs, got %d", len(ids), len(order))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("expected run %d to be %s, got %s", i, ids[i], order[i])
		}
	}
}

func TestPushDelivery(t *testing.T) {
	factory := newFactory(t)
	notifier := &recordingNotifier{}
	tickets := &recordingTickets{}
	runner := runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
		return sandbox.RawResult{ExitCode: 0, Stdout: []byte("hi\n")}, nil
	})
	ex := newTestExecutor(t, Config{Slots: 1}, Deps{Runner: runner, Notifier: notifier, Tickets: tickets})

	exec := newExecution(t, factory, "python", "print('hi')", "hi\n")
	receipt, err := ex.Submit(context.Background(), exec, "http://example.com/hook")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.Result != nil || receipt.TicketID == "" {
		t.Fatalf("expected only a ticket id, got %+v", receipt)
	}
	if err := ex.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	results := notifier.all()
	if len(results) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(results))
	}
	res := results[0]
	if res.TicketID != receipt.TicketID || res.CallbackURL != "http://example.com/hook" || !res.Async() {
		t.Fatalf("unexpected delivered result %+v", res)
	}
	if res.Verdict != verdict.Accepted {
		t.Fatalf("expected ACCEPTED, got %s", res.Verdict)
	}
	if len(tickets.queued) != 1 || tickets.queued[0] != receipt.TicketID {
		t.Fatalf("expected queued ticket to be recorded, got %v", tickets.queued)
	}
}

func TestClosedExecutorRejects(t *testing.T) {
	factory := newFactory(t)
	runner := runnerFunc(func(ctx context.Context, req sandbox.Request) (sandbox.RawResult, error) {
		return sandbox.RawResult{}, nil
	})
	ex := newTestExecutor(t, Config{Slots: 1}, Deps{Runner: runner})
	if err := ex.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	exec := newExecution(t, factory, "c", "int main(){return 0;}", "")
	if _, err := ex.Submit(context.Background(), exec, ""); !appErr.Is(err, appErr.ExecutorClosed) {
		t.Fatalf("expected ExecutorClosed, got %v", err)
	}
}

func TestNewExecutorRequiresRunner(t *testing.T) {
	if _, err := NewExecutor(Config{}, Deps{}); err == nil {
		t.Fatalf("expected error without runner")
	}
}

func TestComputeBackoff(t *testing.T) {
	cases := []struct {
		attempt   int
		base, max time.Duration
		want      time.Duration
	}{
		{0, 0, time.Second, 0},
		{0, 100 * time.Millisecond, time.Second, 100 * time.Millisecond},
		{1, 100 * time.Millisecond, time.Second, 200 * time.Millisecond},
		{3, 100 * time.Millisecond, time.Second, 800 * time.Millisecond},
		{4, 100 * time.Millisecond, time.Second, time.Second},
		{10, 100 * time.Millisecond, time.Second, time.Second},
		{0, 2 * time.Second, time.Second, time.Second},
		{2, 100 * time.Millisecond, 0, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := ComputeBackoff(tc.attempt, tc.base, tc.max); got != tc.want {
			t.Fatalf("ComputeBackoff(%d, %s, %s): expected %s, got %s", tc.attempt, tc.base, tc.max, tc.want, got)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestDefaultWaitTimeout(t *testing.T) {
	got := DefaultWaitTimeout(0)
	want := execution.MaxTimeLimit*time.Second + execution.DefaultCompileTimeLimit*time.Second + sandbox.DefaultSupervisorMargin + waitHeadroom
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if DefaultWaitTimeout(30*time.Second) != got+20*time.Second {
		t.Fatalf("expected the wait to grow with the compile limit")
	}
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.WaitTimeout != got {
		t.Fatalf("expected default wait %v, got %v", got, cfg.WaitTimeout)
	}
}
