package intake

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/entrypoint"
	"codejudge/internal/judge/execution"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
)

type fakeEnqueuer struct {
	calls int
	opts  service.SubmitOptions
	exec  *execution.Execution
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, exec *execution.Execution, opts service.SubmitOptions) (string, error) {
	f.calls++
	f.exec = exec
	f.opts = opts
	if f.err != nil {
		return "", f.err
	}
	return "ticket-1", nil
}

type fakeProducer struct {
	topics []string
	msgs   []*mq.Message
}

func (f *fakeProducer) Publish(_ context.Context, topic string, m *mq.Message) error {
	f.topics = append(f.topics, topic)
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, ms []*mq.Message) error {
	for _, m := range ms {
		_ = f.Publish(ctx, topic, m)
	}
	return nil
}

type fakeQueue struct {
	topics []string
	opts   []*mq.SubscribeOptions
}

func (f *fakeQueue) SubscribeWithOptions(_ context.Context, topic string, _ mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	f.topics = append(f.topics, topic)
	f.opts = append(f.opts, opts)
	return nil
}

func (f *fakeQueue) Start() error { return nil }
func (f *fakeQueue) Stop() error  { return nil }

func newTestFactory(t *testing.T) *execution.Factory {
	t.Helper()
	gen, err := entrypoint.NewGenerator()
	if err != nil {
		t.Fatalf("new generator failed: %v", err)
	}
	f, err := execution.NewFactory(execution.FactoryConfig{
		Registry:    language.DefaultRegistry(),
		Generator:   gen,
		StagingRoot: filepath.Join(t.TempDir(), "staging"),
	})
	if err != nil {
		t.Fatalf("new factory failed: %v", err)
	}
	return f
}

func requestMessage(t *testing.T, mutate func(*model.CompileRequest)) *mq.Message {
	t.Helper()
	input := "3 4\n"
	req := model.CompileRequest{
		Language:       "python",
		SourceCode:     "a, b = map(int, input().split())\nprint(a + b)\n",
		InputFile:      &input,
		ExpectedOutput: "7\n",
		TimeLimit:      2,
		MemoryLimit:    128,
	}
	if mutate != nil {
		mutate(&req)
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request failed: %v", err)
	}
	msg := mq.NewMessage(body)
	msg.ID = "msg-1"
	return msg
}

func TestHandleAdmitsRequest(t *testing.T) {
	exec := &fakeEnqueuer{}
	c := NewConsumer(Config{Topic: "judge.compile"}, newTestFactory(t), exec, nil)

	msg := requestMessage(t, func(r *model.CompileRequest) { r.CallbackURL = "https://hooks.example.com/x" })
	msg.SetHeader(CorrelationHeader, "corr-3")
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected one enqueue, got %d", exec.calls)
	}
	if exec.opts.CorrelationID != "corr-3" || exec.opts.CallbackURL != "https://hooks.example.com/x" {
		t.Fatalf("unexpected options %+v", exec.opts)
	}
	if string(exec.exec.ExpectedOutput()) != "7\n" {
		t.Fatalf("unexpected expected output %q", exec.exec.ExpectedOutput())
	}
}

func TestHandleBodyCorrelationWins(t *testing.T) {
	exec := &fakeEnqueuer{}
	c := NewConsumer(Config{Topic: "judge.compile"}, newTestFactory(t), exec, nil)
	msg := requestMessage(t, func(r *model.CompileRequest) { r.CorrelationID = "from-body" })
	msg.SetHeader(CorrelationHeader, "from-header")
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if exec.opts.CorrelationID != "from-body" {
		t.Fatalf("expected body correlation id, got %q", exec.opts.CorrelationID)
	}
}

func TestHandleDropsUnusableRequests(t *testing.T) {
	cases := []struct {
		name string
		msg  func(t *testing.T) *mq.Message
	}{
		{"malformed json", func(t *testing.T) *mq.Message { return mq.NewMessage([]byte("{not json")) }},
		{"unknown language", func(t *testing.T) *mq.Message {
			return requestMessage(t, func(r *model.CompileRequest) { r.Language = "cobol" })
		}},
		{"bad encoding", func(t *testing.T) *mq.Message {
			return requestMessage(t, func(r *model.CompileRequest) { r.Encoding = "rot13" })
		}},
		{"time limit out of range", func(t *testing.T) *mq.Message {
			return requestMessage(t, func(r *model.CompileRequest) { r.TimeLimit = 99 })
		}},
		{"relative callback", func(t *testing.T) *mq.Message {
			return requestMessage(t, func(r *model.CompileRequest) { r.CallbackURL = "/hook" })
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := &fakeEnqueuer{}
			c := NewConsumer(Config{Topic: "judge.compile"}, newTestFactory(t), exec, nil)
			if err := c.Handle(context.Background(), tc.msg(t)); err != nil {
				t.Fatalf("expected the message to be dropped, got %v", err)
			}
			if exec.calls != 0 {
				t.Fatalf("expected no enqueue, got %d", exec.calls)
			}
		})
	}
}

func TestHandleOverloadWithoutRetryTopic(t *testing.T) {
	exec := &fakeEnqueuer{err: appErr.New(appErr.JudgeQueueFull)}
	c := NewConsumer(Config{Topic: "judge.compile"}, newTestFactory(t), exec, nil)
	err := c.Handle(context.Background(), requestMessage(t, nil))
	if !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected JudgeQueueFull so the queue retries, got %v", err)
	}
}

func TestHandleOverloadRequeues(t *testing.T) {
	exec := &fakeEnqueuer{err: appErr.New(appErr.JudgeQueueFull)}
	producer := &fakeProducer{}
	c := NewConsumer(Config{
		Topic:          "judge.compile",
		RetryTopic:     "judge.compile.retry",
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, newTestFactory(t), exec, producer)

	msg := requestMessage(t, nil)
	msg.SetHeader(OverloadRetryHeader, "2")
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected requeue to succeed, got %v", err)
	}
	if len(producer.msgs) != 1 || producer.topics[0] != "judge.compile.retry" {
		t.Fatalf("expected one message on the retry topic, got %v", producer.topics)
	}
	requeued := producer.msgs[0]
	if ParseOverloadRetries(requeued.Headers) != 3 {
		t.Fatalf("expected retry count 3, got %v", requeued.Headers[OverloadRetryHeader])
	}
	if requeued.ID != msg.ID || string(requeued.Body) != string(msg.Body) {
		t.Fatalf("expected id and body to be preserved")
	}
}

func TestHandleOverloadDeadLetters(t *testing.T) {
	exec := &fakeEnqueuer{err: appErr.New(appErr.JudgeQueueFull)}
	producer := &fakeProducer{}
	c := NewConsumer(Config{
		Topic:           "judge.compile",
		RetryTopic:      "judge.compile.retry",
		DeadLetterTopic: "judge.compile.dead",
		OverloadRetries: 2,
	}, newTestFactory(t), exec, producer)

	msg := requestMessage(t, nil)
	msg.SetHeader(OverloadRetryHeader, "2")
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected dead letter publish to succeed, got %v", err)
	}
	if len(producer.topics) != 1 || producer.topics[0] != "judge.compile.dead" {
		t.Fatalf("expected dead letter topic, got %v", producer.topics)
	}
}

func TestRequeueCancelledDuringBackoff(t *testing.T) {
	producer := &fakeProducer{}
	c := NewConsumer(Config{
		Topic:          "judge.compile",
		RetryTopic:     "judge.compile.retry",
		RetryBaseDelay: time.Hour,
	}, newTestFactory(t), &fakeEnqueuer{}, producer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.requeue(ctx, requestMessage(t, nil)); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if len(producer.msgs) != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestParseOverloadRetries(t *testing.T) {
	cases := []struct {
		headers map[string]string
		want    int
	}{
		{nil, 0},
		{map[string]string{OverloadRetryHeader: "4"}, 4},
		{map[string]string{OverloadRetryHeader: "-1"}, 0},
		{map[string]string{OverloadRetryHeader: "x"}, 0},
	}
	for _, tc := range cases {
		if got := ParseOverloadRetries(tc.headers); got != tc.want {
			t.Fatalf("headers %v: expected %d, got %d", tc.headers, tc.want, got)
		}
	}
}

func TestSubscribeRegistersTopics(t *testing.T) {
	q := &fakeQueue{}
	c := NewConsumer(Config{
		Topic:           "judge.compile",
		RetryTopic:      "judge.compile.retry",
		DeadLetterTopic: "judge.compile.dead",
		ConsumerGroup:   "judge",
		Concurrency:     2,
	}, newTestFactory(t), &fakeEnqueuer{}, &fakeProducer{})

	if err := c.Subscribe(context.Background(), q); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if len(q.topics) != 2 || q.topics[0] != "judge.compile" || q.topics[1] != "judge.compile.retry" {
		t.Fatalf("unexpected topics %v", q.topics)
	}
	if q.opts[0].ConsumerGroup != "judge" || q.opts[0].Concurrency != 2 || q.opts[0].DeadLetterTopic != "judge.compile.dead" {
		t.Fatalf("unexpected options %+v", q.opts[0])
	}

	if err := NewConsumer(Config{}, nil, nil, nil).Subscribe(context.Background(), q); err == nil {
		t.Fatalf("expected missing topic to fail")
	}
}
