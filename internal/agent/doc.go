// Package agent implements the marketplace's multi-agent layer: a registry
// that tracks agent health and load for task allocation, a runtime that hosts
// workers on the message bus, and the seller, buyer and certifier roles that
// carry out delegated tasks and negotiate purchases with each other.
package agent
