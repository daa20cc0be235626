// Package metrics provides Prometheus metrics for the push connection.
//
// Key metrics:
//   - Connection state (one gauge per state, 1 for the current one)
//   - State transitions and scheduled reconnects
//   - Frames sent by action, frames received and malformed frames
//   - Handler panics by topic
package metrics
