// Package types defines the shared data model of the federation layer:
// node records, the append-only node request log, and the structured
// error type used across services and the API surface.
package types
