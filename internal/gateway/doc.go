// Package gateway serves the council over HTTP and answers gRPC health checks.
//
// # HTTP API
//
//   - GET /health, GET /health/ready
//   - GET /api/agents
//   - GET /api/usage (?agent_id=, ?since=)
//   - GET, POST /api/conversations
//   - GET, PATCH /api/conversations/{id}
//   - POST /api/conversations/{id}/activate
//   - POST /api/conversations/{id}/messages
//   - POST /api/conversations/{id}/select
//   - POST /api/conversations/{id}/cancel
//   - POST /api/conversations/{id}/messages/{msgID}/regenerate
//   - POST /api/conversations/{id}/messages/{msgID}/alternative
//   - DELETE /api/conversations/{id}/messages/{msgID}
//   - GET /api/conversations/{id}/events (SSE)
//   - GET /api/conversations/{id}/transcript (?format=md|html)
//
// POST /messages records the user message and answers 202 with its id; the
// turn runs in the background. A client_message_id makes the call
// idempotent: repeating it within the dedupe window answers 409 with the
// original message id. A send while the conversation already has a turn in
// flight also answers 409.
//
// # Events
//
// The events stream carries every conversation change, named by its kind
// (message_appended, message_chunk, message_finalized, ...), and every
// orchestrator stage change as "stage". The current stage is sent first.
//
// # Lifecycle
//
// Run listens on the HTTP and gRPC addresses and serves both under one
// errgroup. The standard grpc.health.v1 service reports SERVING while the
// gateway is up.
package gateway
