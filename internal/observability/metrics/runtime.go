package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type allocationKey struct {
	kind  string
	agent string
}

type failureKey struct {
	kind string
	code string
}

// runtimeMetrics collects bus, allocation, and certification metrics that do
// not fit the HTTP request lifecycle.
type runtimeMetrics struct {
	mu             sync.Mutex
	busPublished   map[string]uint64
	busDelivered   map[string]uint64
	busRedelivered map[string]uint64
	busDropped     map[string]uint64
	allocated      map[allocationKey]uint64
	failures       map[failureKey]uint64
	certsActive    int64
}

var runtimeCollector = &runtimeMetrics{
	busPublished:   make(map[string]uint64),
	busDelivered:   make(map[string]uint64),
	busRedelivered: make(map[string]uint64),
	busDropped:     make(map[string]uint64),
	allocated:      make(map[allocationKey]uint64),
	failures:       make(map[failureKey]uint64),
}

// ObserveBusPublish counts a message accepted by the bus for a mailbox.
func ObserveBusPublish(mailbox string) {
	runtimeCollector.mu.Lock()
	runtimeCollector.busPublished[mailbox]++
	runtimeCollector.mu.Unlock()
}

// ObserveBusDelivery counts a message handled successfully.
func ObserveBusDelivery(mailbox string) {
	runtimeCollector.mu.Lock()
	runtimeCollector.busDelivered[mailbox]++
	runtimeCollector.mu.Unlock()
}

// ObserveBusRedelivery counts a redelivery scheduled after a handler error.
func ObserveBusRedelivery(mailbox string) {
	runtimeCollector.mu.Lock()
	runtimeCollector.busRedelivered[mailbox]++
	runtimeCollector.mu.Unlock()
}

// ObserveBusDrop counts a message dropped after exhausting redeliveries.
func ObserveBusDrop(mailbox string) {
	runtimeCollector.mu.Lock()
	runtimeCollector.busDropped[mailbox]++
	runtimeCollector.mu.Unlock()
}

// ObserveTaskAllocation counts a task handed to an agent.
func ObserveTaskAllocation(kind, agent string) {
	runtimeCollector.mu.Lock()
	runtimeCollector.allocated[allocationKey{kind: kind, agent: agent}]++
	runtimeCollector.mu.Unlock()
}

// ObserveTaskFailure counts a failed task execution by failure code.
func ObserveTaskFailure(kind, code string) {
	runtimeCollector.mu.Lock()
	runtimeCollector.failures[failureKey{kind: kind, code: code}]++
	runtimeCollector.mu.Unlock()
}

// SetActiveCertifications records the number of currently effective
// certification records.
func SetActiveCertifications(n int64) {
	runtimeCollector.mu.Lock()
	runtimeCollector.certsActive = n
	runtimeCollector.mu.Unlock()
}

func renderLabelCounter(builder *strings.Builder, name, help, label string, values map[string]uint64) {
	writeSeriesHeader(builder, name, "counter", help)
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, escapeLabel(key), values[key]))
	}
}

func (c *runtimeMetrics) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	renderLabelCounter(&builder, "opensouk_bus_published_total",
		"Total messages accepted by the bus.", "mailbox", c.busPublished)
	renderLabelCounter(&builder, "opensouk_bus_delivered_total",
		"Total messages handled successfully.", "mailbox", c.busDelivered)
	renderLabelCounter(&builder, "opensouk_bus_redelivered_total",
		"Total redeliveries scheduled after handler errors.", "mailbox", c.busRedelivered)
	renderLabelCounter(&builder, "opensouk_bus_dropped_total",
		"Total messages dropped after exhausting redeliveries.", "mailbox", c.busDropped)

	type allocationMetric struct {
		allocationKey
		value uint64
	}
	allocs := make([]allocationMetric, 0, len(c.allocated))
	for key, value := range c.allocated {
		allocs = append(allocs, allocationMetric{allocationKey: key, value: value})
	}
	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].kind == allocs[j].kind {
			return allocs[i].agent < allocs[j].agent
		}
		return allocs[i].kind < allocs[j].kind
	})
	writeSeriesHeader(&builder, "opensouk_tasks_allocated_total", "counter", "Total tasks allocated to agents.")
	for _, metric := range allocs {
		builder.WriteString(fmt.Sprintf("opensouk_tasks_allocated_total{kind=\"%s\",agent=\"%s\"} %d\n",
			escapeLabel(metric.kind), escapeLabel(metric.agent), metric.value))
	}

	type failureMetric struct {
		failureKey
		value uint64
	}
	fails := make([]failureMetric, 0, len(c.failures))
	for key, value := range c.failures {
		fails = append(fails, failureMetric{failureKey: key, value: value})
	}
	sort.Slice(fails, func(i, j int) bool {
		if fails[i].kind == fails[j].kind {
			return fails[i].code < fails[j].code
		}
		return fails[i].kind < fails[j].kind
	})
	writeSeriesHeader(&builder, "opensouk_task_failures_total", "counter", "Total failed task executions.")
	for _, metric := range fails {
		builder.WriteString(fmt.Sprintf("opensouk_task_failures_total{kind=\"%s\",code=\"%s\"} %d\n",
			escapeLabel(metric.kind), escapeLabel(metric.code), metric.value))
	}

	writeSeriesHeader(&builder, "opensouk_certifications_active", "gauge", "Number of currently effective certification records.")
	builder.WriteString(fmt.Sprintf("opensouk_certifications_active %d\n", c.certsActive))

	return builder.String()
}
