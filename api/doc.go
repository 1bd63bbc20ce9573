// Package api documents the nodefed HTTP API.
//
// # API Overview
//
// nodefed exposes a RESTful admin and federation API:
//   - Node registration, listing, updates, and health pings
//   - Federated search fan-out across registered nodes
//   - Remote action execution on one node or the whole fleet
//   - Load balancer selection and load distribution
//   - Node token issuance, refresh, and revocation
//   - Health probes and Prometheus metrics
//
// # Authentication
//
// API endpoints (outside the health and token endpoints) accept one of:
//
//	X-Node-Token: <signed access token>
//	Authorization: Bearer <signed access token>
//	X-API-Key: <node api key>
//
// Access tokens are obtained from POST /auth/token using a node API key.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
