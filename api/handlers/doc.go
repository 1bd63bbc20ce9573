/*
Package handlers implements the request handlers for the nodefed HTTP API:
node administration, federated search and actions, token issuance, load
balancer operations, health checks, and the shared response envelope.

# Core types

  - NodeHandler       — node CRUD, pings, key rotation, circuit reset
  - FederationHandler — federated search, collection discovery, actions
  - AuthHandler       — access/refresh token issuance and revocation
  - BalanceHandler    — balancer selection and load distribution
  - HealthHandler     — liveness/readiness probes with pluggable checks
  - Response          — uniform JSON envelope (success + data + error + timestamp)
  - ErrorInfo         — structured error payload with code and retryable flag
  - ResponseWriter    — http.ResponseWriter wrapper capturing the status code

# Conventions

  - Uniform envelopes via WriteSuccess / WriteCreated / WriteError
  - Request bodies decoded with DecodeJSONBody (strict mode)
  - ErrorCode to HTTP status mapping for every typed error
  - Pluggable readiness checks registered with RegisterCheck

All handlers follow the standard net/http interface and are routed with
method and path patterns on http.ServeMux.
*/
package handlers
