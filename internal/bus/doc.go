// Package bus implements the mailbox message bus that carries performative
// envelopes between agents. Each agent owns one mailbox; delivery within a
// mailbox is FIFO in publish order and at-least-once, with redelivery when a
// handler reports failure. Backends: in-process channels and Redis Streams.
package bus
