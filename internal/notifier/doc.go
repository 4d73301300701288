// Package notifier delivers text into chat rooms through a transport.Adapter.
//
// Two paths share one rate limiter:
//
//   - Send is synchronous and is the dispatch.Sink used for alert fanout.
//     Retries and parallelism belong to the caller.
//   - Notify enqueues an operator notice (digests, storage warnings) that a
//     small worker pool sends in the background.
//
// Subscribers are addressed by their transport.ChatTarget string form.
// An optional dedup window suppresses identical notices sent to the same room.
package notifier
