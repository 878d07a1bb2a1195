// Package dedupe provides idempotent task submission using a time-based cache.
//
// Clients may attach an Idempotency-Key header (HTTP) or a request_id field
// (WebSocket chat frame). The gateway scopes the key by participant and maps
// it to the task id created for the first submission; repeats inside the TTL
// window get the same task id instead of a second agent run.
package dedupe
