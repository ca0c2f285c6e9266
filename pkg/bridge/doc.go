// Copyright 2024-2026 Aiku AI

// Package bridge implements the synchronization engine between a chat
// platform and a topic (forum) platform: each external conversation thread
// is presented as one persistent topic, and per-user/per-contact identity
// metadata is kept in sync.
//
// # Core Types
//
// [Engine] wires everything together and owns all shared mutable state:
// the mapping caches, the rate-limit counters and the cross-reference index
// are explicit fields, constructed at startup and torn down on shutdown.
//
// [Store] is the write-through mapping store: reads on the hot path only
// touch the in-memory caches, hydrated once at startup; durable writes are
// best-effort.
//
// [TopicManager] runs the thread-to-topic lifecycle: get-or-create with a
// cheap existence probe, and purge-and-recreate when the topic was deleted
// behind the engine's back. Creation is per-thread mutually exclusive.
//
// [Router] classifies each inbound message into exactly one content variant
// and dispatches it to a per-variant [Adapter] with a uniform
// download/transform/send shape.
//
// [Queue] serializes all relay work through a single consumer; producers
// enqueue and return immediately, so long media transfers never block event
// acceptance. Deferred side effects ride the same queue as delayed tasks.
//
// [Gate] applies default-deny authorization (owner plus allow list, minus
// block list) and per-user fixed-window rate limiting, strictly in that
// order, before any other work.
//
// # Echo Prevention
//
// Messages the engine itself sent to the chat platform come back on the
// event stream. They are recognized by their cross-reference entry and
// skipped before gating, so the two platforms never feed each other loops.
//
// # Sub-packages
//
//   - chatfmt converts chat-platform markdown to topic-platform HTML.
//   - topicfmt converts topic-platform HTML back to chat markdown.
package bridge
