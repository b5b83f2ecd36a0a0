// Package bus is the publish/subscribe event bus shared by the processes of
// one register.
//
// ARCHITECTURE:
//
// Publishing:
// Publish dispatches synchronously to local subscribers of the topic, then
// to wildcard ("*") subscribers, then hands the event to every Transport.
// A publish with a debounce window is held back and coalesced with later
// publishes on the same topic; only the last payload is delivered.
//
// Receiving:
// Run starts every transport's Listen loop. Events arriving from siblings
// are queued on one FIFO and dispatched by the Run goroutine one at a time,
// so a process sees remote events in the order it received them and each
// handler runs to completion before the next delivery.
//
// Transports:
//   - Hub: an in-process broadcast channel joined by every bus in the same
//     OS process (the direct channel).
//   - StorageTransport: the durable fallback. Writes a short-lived marker
//     under MarkerPrefix and relies on the store's change feed to reach
//     siblings. Slower, but needs nothing besides the shared store.
//   - relay.Transport: a websocket direct channel between OS processes.
//
// GUARANTEES:
//
// Cross-process delivery is at-least-once when any transport works, with no
// ordering guarantee across processes. Events carry Timestamp, Origin and a
// Lamport Seq; Event.Before gives handlers a deterministic order for
// resolving conflicts. Duplicates arriving over several transports are
// suppressed within a bounded window of recent ids.
//
// A remotely received event is dispatched locally and never handed back to
// a transport, so events cannot loop between processes. Events whose origin
// is this bus are dropped on receipt.
//
// A failing or panicking handler is logged and does not prevent delivery to
// the remaining handlers.
package bus
