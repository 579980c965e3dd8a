// Package api exposes the REST surface of the marketplace: product catalogue,
// orders, certification lifecycle, task submission and the agent directory.
// Every route is wrapped with the auth middleware and per-handler metrics.
package api
