package observer

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codejudge/internal/judge/verdict"
)

func TestPrometheusExposesJudgeSeries(t *testing.T) {
	p := NewPrometheus()
	ctx := context.Background()
	p.ObserveAdmitted(ctx, "python")
	p.ObserveCompleted(ctx, "python", verdict.Accepted, 120*time.Millisecond)
	p.ObserveCompleted(ctx, "python", verdict.WrongAnswer, 80*time.Millisecond)
	p.ObserveRejected(ctx, "c")
	p.ObserveDelivery(ctx, DeliveryWebhook, false)
	p.ObserveLoad(2, 5)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`judge_executions_total{language="python",verdict="ACCEPTED"} 1`,
		`judge_executions_total{language="python",verdict="WRONG_ANSWER"} 1`,
		`judge_rejected_total{language="c"} 1`,
		`judge_deliveries_total{mode="webhook",ok="false"} 1`,
		`judge_queue_depth 5`,
		`judge_active_workers 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in scrape output", want)
		}
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(Noop); !ok {
		t.Fatalf("expected Noop for nil sink")
	}
	p := NewPrometheus()
	if OrNoop(p) != MetricsSink(p) {
		t.Fatalf("expected the given sink back")
	}
}
