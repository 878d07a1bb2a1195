// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway package is the central coordinator of the relay. It owns the
// store, the task executor, the session registry, the delivery watcher and
// the HTTP, WebSocket and gRPC health servers.
//
// # WebSocket Sessions
//
// Clients connect to /ws/session/{session_id}?token=<jwt>. The connection is
// upgraded first and authenticated second so a bad token gets a proper close
// frame:
//
//	connecting -> authenticating -> open -> closing -> closed
//
//   - 4001 Unauthorized: missing, malformed or expired token
//   - 1013 too many connections: websocket.max_connections reached
//   - 4000 <reason>: panic or unexpected processing failure
//
// Open connections are registered under (session, participant). A second
// connection for the same pair replaces and closes the first. Frames are read
// one at a time:
//
//	{"type":"chat","content":"...","request_id":"optional"} -> task_received
//	{"type":"ping"}                                          -> pong
//
// Anything else produces an error frame and the connection stays open.
// Results arrive later as task_status and task_result frames pushed by the
// delivery watcher. A task keeps running if its connection goes away.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Agent CLI answers --version
//   - POST /api/sessions/{id}/chat - Submit a chat message (Idempotency-Key aware)
//   - GET /api/sessions/{id}/tasks - Tasks of an owned session, newest first
//   - GET /api/tasks/{id} - Task snapshot for its submitter
//   - GET /api/stats - Executor and registry counters
//
// API routes require a bearer JWT whose sub claim is the participant.
//
// # gRPC
//
// When server.grpc_addr is set, a grpc.health.v1 server runs alongside. The
// "agent" service reports SERVING while the agent CLI health probe passes.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops HTTP, drains the executor while connections can still
// receive results, then closes connections with 1001 and releases the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, wiring, Run/Shutdown, listeners
//   - websocket.go: session endpoint and frame handling
//   - conn.go: per-connection write serialisation and close
//   - submit.go: ownership check and idempotent submission
//   - api.go: HTTP handlers
//   - health.go: health endpoints and gRPC health
package gateway
