package task

import (
	stdErrors "errors"
	"testing"
	"time"

	"OpenSouk-Chain/internal/agent"
)

func sellerRegistry(t *testing.T, names ...string) *agent.Registry {
	t.Helper()
	registry := agent.NewRegistry(agent.RegistryConfig{
		FailureThreshold: 2,
		Quarantine:       time.Hour,
		LivenessWindow:   time.Hour,
	})
	for _, name := range names {
		entry := agent.Entry{Name: name, Role: "seller", Capabilities: []string{KindProductAdd}}
		if err := registry.Register(entry); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return registry
}

func TestRoundRobinSpreadsTasksEvenly(t *testing.T) {
	registry := sellerRegistry(t, "seller-1", "seller-2", "seller-3")
	allocator := NewAllocator(registry, NewRoundRobin())

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		entry, err := allocator.Allocate(&Task{ID: "t", Kind: KindProductAdd})
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		counts[entry.Name]++
	}
	for _, name := range []string{"seller-1", "seller-2", "seller-3"} {
		if counts[name] != 3 {
			t.Fatalf("uneven allocation: %v", counts)
		}
	}
}

func TestAllocateSkipsTriedAgentsAndResets(t *testing.T) {
	registry := sellerRegistry(t, "seller-1", "seller-2")
	allocator := NewAllocator(registry, NewRoundRobin())

	task := &Task{ID: "t", Kind: KindProductAdd, TriedAgents: []string{"seller-1"}}
	entry, err := allocator.Allocate(task)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if entry.Name != "seller-2" {
		t.Fatalf("expected untried agent, got %s", entry.Name)
	}

	// 全部试过后回到完整候选集，重试不应该饿死。
	task.TriedAgents = []string{"seller-1", "seller-2"}
	if _, err := allocator.Allocate(task); err != nil {
		t.Fatalf("allocate after full rotation: %v", err)
	}
}

func TestAllocateAvoidsQuarantinedAgents(t *testing.T) {
	registry := sellerRegistry(t, "seller-1", "seller-2")
	allocator := NewAllocator(registry, NewLeastLoaded())

	// 连续两次失败触发隔离。
	for i := 0; i < 2; i++ {
		if err := registry.BeginWork("seller-1"); err != nil {
			t.Fatalf("begin work: %v", err)
		}
		registry.EndWork("seller-1", true)
	}
	if entry, _ := registry.Get("seller-1"); !entry.QuarantinedAt(time.Now()) {
		t.Fatal("seller-1 should be quarantined")
	}

	for i := 0; i < 4; i++ {
		entry, err := allocator.Allocate(&Task{ID: "t", Kind: KindProductAdd})
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if entry.Name == "seller-1" {
			t.Fatal("allocation picked a quarantined agent")
		}
	}

	for i := 0; i < 2; i++ {
		if err := registry.BeginWork("seller-2"); err != nil {
			t.Fatalf("begin work: %v", err)
		}
		registry.EndWork("seller-2", true)
	}
	if _, err := allocator.Allocate(&Task{ID: "t", Kind: KindProductAdd}); !stdErrors.Is(err, ErrNoAgentAvailable) {
		t.Fatalf("expected no agent available, got %v", err)
	}
}

func TestLeastLoadedPrefersIdleAgents(t *testing.T) {
	registry := sellerRegistry(t, "seller-1", "seller-2", "seller-3")
	allocator := NewAllocator(registry, NewLeastLoaded())

	for i := 0; i < 2; i++ {
		if err := registry.BeginWork("seller-1"); err != nil {
			t.Fatalf("begin work: %v", err)
		}
	}
	if err := registry.BeginWork("seller-2"); err != nil {
		t.Fatalf("begin work: %v", err)
	}

	entry, err := allocator.Allocate(&Task{ID: "t", Kind: KindProductAdd})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if entry.Name != "seller-3" {
		t.Fatalf("expected idle agent, got %s", entry.Name)
	}
}

func TestAllocateRequiresCapability(t *testing.T) {
	registry := sellerRegistry(t, "seller-1")
	allocator := NewAllocator(registry, NewRoundRobin())

	if _, err := allocator.Allocate(&Task{ID: "t", Kind: KindCertificationReview}); !stdErrors.Is(err, ErrNoAgentAvailable) {
		t.Fatalf("expected no agent available, got %v", err)
	}
}
