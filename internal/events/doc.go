// Package events carries task lifecycle events from workers to waiting clients.
//
// Every task has one append-only channel named by ChannelName. Events are
// ephemeral: brokers publish them to live subscribers and keep a capped ring
// per channel so a client that reconnects can catch up.
//
// The primary components are:
// - Event: the wire shape shared by every event type
// - Publisher / Subscriber: the broker contract
// - RedisBroker: PUBLISH plus a capped list mirror, for multi-process deployments
// - InMemoryBroker: the in-process broker, also used as a test double
// - Emitter: a per-task publisher that stamps identifiers onto each event
package events
