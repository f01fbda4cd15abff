// Package audit provides the asynchronous audit event model and dispatcher.
// The dispatcher decouples security flows from sink latency: events are
// buffered and forwarded on a background goroutine, and the hot path is never
// blocked by a slow sink.
package audit
