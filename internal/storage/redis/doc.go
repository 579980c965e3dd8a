// Package redis provides the shared Redis connection helper used by the
// mailbox bus and the task queue. Both subsystems usually speak to the same
// server, so connection setup and liveness probing live in one place.
package redis
