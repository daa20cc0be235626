// Package topic implements the Topic Registry and the inbound event model.
//
// The registry maps a topic name to the ordered set of handlers interested
// in it. A topic key exists only while at least one handler is registered,
// so the key set is always the set of topics the client wants from the
// server.
package topic
