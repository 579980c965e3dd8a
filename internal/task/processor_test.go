package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	fail      func(task *Task) error
}

func (f *fakeExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(task); err != nil {
			return nil, err
		}
	}
	f.processed.Add(1)
	return &ExecutionResult{Summary: "ok", Agent: "agent-1"}, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *alertRecorder) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func waitForStatus(t *testing.T, store Store, id string, want Status) *Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		got, err := store.Get(context.Background(), id)
		if err == nil && got.Status == want {
			return got
		}
		select {
		case <-deadline:
			if err != nil {
				t.Fatalf("task %s never reached %s: %v", id, want, err)
			}
			t.Fatalf("task %s never reached %s, last status %s", id, want, got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		input := SubmitInput{Kind: KindProductAdd, Goal: fmt.Sprintf("goal-%d", i)}
		if _, err := service.Submit(ctx, input); err != nil {
			t.Fatalf("submit task: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tasks not processed in time, done %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	alerts := &alertRecorder{}
	executor := &fakeExecutor{
		fail: func(task *Task) error {
			if task.Attempts < 2 {
				return xerrors.New(CodeTaskProcessing, "temporary failure")
			}
			return nil
		},
	}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue,
		WithWorkerCount(2),
		WithAlertDispatcher(alerts),
	)
	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitInput{Kind: KindOrderPurchase, Goal: "buy dates"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}

	got := waitForStatus(t, store, submitted.ID, StatusSucceeded)
	if got.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %d", got.Attempts)
	}
	if got.Result == nil || got.Result.Summary != "ok" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}

	events := alerts.snapshot()
	if len(events) == 0 {
		t.Fatal("expected a retry alert")
	}
	if events[0].Metadata["stage"] != "retry" || events[0].Subject != submitted.ID {
		t.Fatalf("unexpected alert: %+v", events[0])
	}
}

func TestProcessorRunsRecoveryForNonRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	alerts := &alertRecorder{}
	executor := &fakeExecutor{
		fail: func(*Task) error {
			return xerrors.New(xerrors.CodeInvalidArgument, "bad payload")
		},
	}
	recovery := RecoveryFunc(func(_ context.Context, task *Task, cause error) (*ExecutionResult, error) {
		return &ExecutionResult{Agent: "fallback"}, nil
	})

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue,
		WithRecoveryHandler(recovery),
		WithAlertDispatcher(alerts),
	)
	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitInput{Kind: KindCertificationReview, Goal: "review cert"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}

	got := waitForStatus(t, store, submitted.ID, StatusSucceeded)
	if got.Attempts != 1 {
		t.Fatalf("non-retryable failure should not retry, attempts %d", got.Attempts)
	}
	if got.Result == nil || got.Result.Agent != "fallback" || got.Result.Summary == "" {
		t.Fatalf("expected degraded result, got %+v", got.Result)
	}

	degraded := false
	for _, event := range alerts.snapshot() {
		if event.Metadata["stage"] == "degraded" && event.Subject == submitted.ID {
			degraded = true
		}
	}
	if !degraded {
		t.Fatal("expected a degraded alert")
	}
}
