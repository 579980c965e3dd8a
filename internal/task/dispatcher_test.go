package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"OpenSouk-Chain/internal/agent"
	"OpenSouk-Chain/internal/bus"
	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/protocol"
)

// echoWorker 模拟一个智能体邮箱：收到委派后按预设结果回执。
func echoWorker(t *testing.T, ctx context.Context, b bus.Bus, name string, reply func(protocol.TaskAssignment) protocol.TaskResult) {
	t.Helper()
	handler := func(ctx context.Context, msg protocol.Message) error {
		var assignment protocol.TaskAssignment
		if err := protocol.DecodeBody(msg, &assignment); err != nil {
			return err
		}
		result := reply(assignment)
		performative := protocol.PerformativeInform
		if result.ErrorCode != "" {
			performative = protocol.PerformativeFailure
		}
		out, err := protocol.Reply(msg, performative, result)
		if err != nil {
			return err
		}
		return b.Publish(ctx, out)
	}
	if err := b.Subscribe(ctx, name, handler); err != nil {
		t.Fatalf("subscribe worker %s: %v", name, err)
	}
}

func newDispatcherHarness(t *testing.T, ctx context.Context, timeout time.Duration) (*Dispatcher, *MemoryStore, *agent.Registry, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus(16)
	t.Cleanup(func() { _ = b.Close() })

	registry := agent.NewRegistry(agent.RegistryConfig{FailureThreshold: 3, Quarantine: time.Hour, LivenessWindow: time.Hour})
	if err := registry.Register(agent.Entry{Name: "seller-1", Role: "seller", Capabilities: []string{KindProductAdd}}); err != nil {
		t.Fatalf("register seller: %v", err)
	}

	store := NewMemoryStore()
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Bus:       b,
		Allocator: NewAllocator(registry, NewRoundRobin()),
		Store:     store,
		Registry:  registry,
		Timeout:   timeout,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	return dispatcher, store, registry, b
}

func claimNewTask(t *testing.T, store Store, task *Task) *Task {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	claimed, err := store.Claim(ctx, task.ID)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	return claimed
}

func TestDispatcherRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dispatcher, store, registry, b := newDispatcherHarness(t, ctx, 2*time.Second)
	echoWorker(t, ctx, b, "seller-1", func(assignment protocol.TaskAssignment) protocol.TaskResult {
		return protocol.TaskResult{TaskID: assignment.TaskID, Summary: "listed", TxHash: "0xfeed"}
	})

	claimed := claimNewTask(t, store, &Task{ID: "t1", Kind: KindProductAdd, Goal: "list honey", Status: StatusPending, MaxRetries: 3})

	result, err := dispatcher.Execute(ctx, claimed)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Summary != "listed" || result.TxHash != "0xfeed" || result.Agent != "seller-1" {
		t.Fatalf("unexpected result: %+v", result)
	}

	stored, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.AssignedTo != "seller-1" {
		t.Fatalf("expected assignment recorded, got %q", stored.AssignedTo)
	}

	entry, ok := registry.Get("seller-1")
	if !ok {
		t.Fatal("seller-1 missing from registry")
	}
	if entry.Inflight != 0 || entry.Assigned != 1 || entry.Failures != 0 {
		t.Fatalf("unexpected registry bookkeeping: %+v", entry)
	}
}

func TestDispatcherPropagatesAgentFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dispatcher, store, registry, b := newDispatcherHarness(t, ctx, 2*time.Second)
	echoWorker(t, ctx, b, "seller-1", func(assignment protocol.TaskAssignment) protocol.TaskResult {
		return protocol.TaskResult{
			TaskID:       assignment.TaskID,
			ErrorCode:    "MARKET_PAYMENT_INCORRECT",
			ErrorMessage: "incorrect payment amount",
		}
	})

	claimed := claimNewTask(t, store, &Task{ID: "t1", Kind: KindProductAdd, Status: StatusPending, MaxRetries: 3})

	_, err := dispatcher.Execute(ctx, claimed)
	if err == nil {
		t.Fatal("expected agent failure to propagate")
	}
	if xerrors.CodeOf(err) != xerrors.Code("MARKET_PAYMENT_INCORRECT") {
		t.Fatalf("unexpected error code: %v", xerrors.CodeOf(err))
	}

	entry, _ := registry.Get("seller-1")
	if entry.Failures != 1 {
		t.Fatalf("expected failure recorded, got %+v", entry)
	}
}

func TestDispatcherTimesOutWithoutReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dispatcher, store, registry, b := newDispatcherHarness(t, ctx, 80*time.Millisecond)
	// 只收不回的智能体。
	if err := b.Subscribe(ctx, "seller-1", func(context.Context, protocol.Message) error { return nil }); err != nil {
		t.Fatalf("subscribe silent worker: %v", err)
	}

	claimed := claimNewTask(t, store, &Task{ID: "t1", Kind: KindProductAdd, Status: StatusPending, MaxRetries: 3})

	_, err := dispatcher.Execute(ctx, claimed)
	if xerrors.CodeOf(err) != CodeDispatchTimeout {
		t.Fatalf("expected dispatch timeout, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("dispatch timeout should be retryable")
	}

	entry, _ := registry.Get("seller-1")
	if entry.Failures != 1 || entry.Inflight != 0 {
		t.Fatalf("unexpected registry bookkeeping: %+v", entry)
	}
}

func TestDispatcherFailsWithoutEligibleAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dispatcher, store, _, _ := newDispatcherHarness(t, ctx, time.Second)
	claimed := claimNewTask(t, store, &Task{ID: "t1", Kind: KindCertificationReview, Status: StatusPending, MaxRetries: 3})

	_, err := dispatcher.Execute(ctx, claimed)
	if !stdErrors.Is(err, ErrNoAgentAvailable) {
		t.Fatalf("expected no agent available, got %v", err)
	}
}
