package agent

import (
	stdErrors "errors"
	"testing"
	"time"
)

func TestRegistryRegisterAndDuplicate(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})

	if err := registry.Register(Entry{Name: "seller-1", Role: "seller", Capabilities: []string{"product.add"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(Entry{Name: "seller-1"}); !stdErrors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
	if err := registry.Register(Entry{Name: "   "}); err == nil {
		t.Fatalf("expected error for blank name")
	}

	entry, ok := registry.Get("seller-1")
	if !ok {
		t.Fatalf("entry missing after register")
	}
	if entry.Role != "seller" || entry.LastBeat == 0 || entry.RegisteredAt == 0 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	registry.Deregister("seller-1")
	if _, ok := registry.Get("seller-1"); ok {
		t.Fatalf("entry still present after deregister")
	}
}

func TestRegistryBeatRequiresRegistration(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	if err := registry.Beat("ghost"); !stdErrors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered error, got %v", err)
	}
}

func TestEntryLiveness(t *testing.T) {
	now := time.Now()
	stale := Entry{LastBeat: now.Add(-2 * time.Minute).Unix()}
	if stale.AliveAt(now, time.Minute) {
		t.Fatalf("expected stale heartbeat to be dead")
	}
	if !stale.AliveAt(now, 0) {
		t.Fatalf("disabled window must treat everyone as alive")
	}
	fresh := Entry{LastBeat: now.Unix()}
	if !fresh.AliveAt(now, time.Minute) {
		t.Fatalf("expected fresh heartbeat to be alive")
	}
}

func TestRegistryQuarantineAfterConsecutiveFailures(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		FailureThreshold: 2,
		Quarantine:       time.Hour,
		LivenessWindow:   time.Hour,
	})
	if err := registry.Register(Entry{Name: "seller-1", Capabilities: []string{"product.add"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// 失败一次后成功，连续失败计数要归零。
	mustBegin := func() {
		t.Helper()
		if err := registry.BeginWork("seller-1"); err != nil {
			t.Fatalf("begin work: %v", err)
		}
	}
	mustBegin()
	registry.EndWork("seller-1", true)
	mustBegin()
	registry.EndWork("seller-1", false)
	entry, _ := registry.Get("seller-1")
	if entry.Failures != 0 || entry.QuarantinedAt(time.Now()) {
		t.Fatalf("success must reset the failure streak: %+v", entry)
	}
	if entry.Assigned != 2 || entry.Inflight != 0 {
		t.Fatalf("unexpected counters: %+v", entry)
	}

	// 连续失败到阈值进入隔离期，不再出现在候选名单里。
	mustBegin()
	registry.EndWork("seller-1", true)
	mustBegin()
	registry.EndWork("seller-1", true)
	entry, _ = registry.Get("seller-1")
	if !entry.QuarantinedAt(time.Now()) {
		t.Fatalf("expected agent quarantined after threshold: %+v", entry)
	}
	if entry.Failures != 0 {
		t.Fatalf("quarantine must reset the failure counter: %+v", entry)
	}
	if eligible := registry.Eligible("product.add", nil); len(eligible) != 0 {
		t.Fatalf("quarantined agent must not be eligible, got %+v", eligible)
	}
}

func TestRegistryEligibleFilters(t *testing.T) {
	registry := NewRegistry(RegistryConfig{LivenessWindow: time.Hour})
	for _, name := range []string{"seller-2", "seller-1"} {
		if err := registry.Register(Entry{Name: name, Capabilities: []string{"product.add"}}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := registry.Register(Entry{Name: "certifier-1", Capabilities: []string{"certification.review"}}); err != nil {
		t.Fatalf("register certifier: %v", err)
	}

	eligible := registry.Eligible("product.add", nil)
	if len(eligible) != 2 || eligible[0].Name != "seller-1" || eligible[1].Name != "seller-2" {
		t.Fatalf("expected name-sorted sellers, got %+v", eligible)
	}

	eligible = registry.Eligible("product.add", []string{"seller-1"})
	if len(eligible) != 1 || eligible[0].Name != "seller-2" {
		t.Fatalf("exclude list not honoured: %+v", eligible)
	}

	if eligible := registry.Eligible("order.purchase", nil); len(eligible) != 0 {
		t.Fatalf("capability mismatch must yield no candidates, got %+v", eligible)
	}
}
