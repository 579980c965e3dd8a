package metrics

import (
	"strings"
	"testing"
)

func TestRuntimeExpositionRendersSeries(t *testing.T) {
	collector := &runtimeMetrics{
		busPublished:   map[string]uint64{"seller-1": 3},
		busDelivered:   map[string]uint64{"seller-1": 2},
		busRedelivered: map[string]uint64{"seller-1": 1},
		busDropped:     map[string]uint64{},
		allocated:      map[allocationKey]uint64{{kind: "product.add", agent: "seller-1"}: 2},
		failures:       map[failureKey]uint64{{kind: "order.purchase", code: "NO_AGENT_AVAILABLE"}: 1},
		certsActive:    4,
	}

	out := collector.render()
	for _, line := range []string{
		`opensouk_bus_published_total{mailbox="seller-1"} 3`,
		`opensouk_bus_delivered_total{mailbox="seller-1"} 2`,
		`opensouk_bus_redelivered_total{mailbox="seller-1"} 1`,
		`opensouk_tasks_allocated_total{kind="product.add",agent="seller-1"} 2`,
		`opensouk_task_failures_total{kind="order.purchase",code="NO_AGENT_AVAILABLE"} 1`,
		`opensouk_certifications_active 4`,
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("exposition missing %q:\n%s", line, out)
		}
	}
}

func TestMailboxSeriesRenderSorted(t *testing.T) {
	collector := &runtimeMetrics{
		busPublished:   map[string]uint64{"seller-1": 1, "buyer-1": 1},
		busDelivered:   map[string]uint64{},
		busRedelivered: map[string]uint64{},
		busDropped:     map[string]uint64{},
		allocated:      map[allocationKey]uint64{},
		failures:       map[failureKey]uint64{},
	}

	out := collector.render()
	buyer := strings.Index(out, `mailbox="buyer-1"`)
	seller := strings.Index(out, `mailbox="seller-1"`)
	if buyer < 0 || seller < 0 {
		t.Fatalf("expected both mailboxes in the exposition:\n%s", out)
	}
	if buyer > seller {
		t.Fatalf("mailbox series must render in sorted order:\n%s", out)
	}
}
