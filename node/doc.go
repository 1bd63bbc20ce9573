// Package node implements the node registry: durable node records, the
// authenticated HTTP client for node endpoints, health-check execution,
// and aggregate statistics.
package node
