/*
Package events implements the priority-ordered publish/subscribe bus that
connects the orchestrator, handler runtime, and workers.

Events are dispatched from a priority queue by a single background worker:
higher priority first, publish order within a priority. Subscriptions match
exact event types, "prefix.*" wildcards, or "*". An event carrying a
Destination is delivered only to subscriptions registered under that name.

Reliability features:

  - Failed deliveries are retried with the priority demoted by one, up to the
    event's MaxRetries, then parked in a bounded dead letter queue.
  - Expired events (TTL elapsed) go straight to the dead letter queue.
  - A bounded history ring supports inspection and replay by event id.
  - In durable mode, publishes go through a Broker (a Redis stream) and are
    acknowledged only after local dispatch; duplicate deliveries are detected
    by event id.

Request/response is layered on top: PublishAndWait tags the event with a
correlation id and waits for a "<type>.reply" event carrying the same id.
*/
package events
