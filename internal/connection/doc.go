// Package connection implements the real-time Connection Manager.
//
// The Connection Manager:
//   - Owns exactly one WebSocket connection to the push server
//   - Authenticates by passing the bearer token in the connection URI
//   - Drives the connecting/connected/reconnecting/error/disconnected state machine
//   - Reconnects with capped exponential backoff and replays topic subscriptions
//   - Sends a heartbeat ping while connected
//   - Dispatches inbound events to topic handlers
//
// All state changes and wire writes happen under one mutex, so control
// frames leave in call order and the state has a single writer.
package connection
