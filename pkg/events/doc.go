/*
Package events is the async event queue described in spec.md §5: a
bounded, non-blocking, in-process broker that the heartbeat ingestor
(C3), alert evaluator (C6), partition manager (C2), and reconciliation
job (C8) publish to, and an admin-facing stream subscribes to.

Publish never blocks the caller: the broker buffers up to 100 events
internally and each subscriber has its own 50-event buffer. A full
subscriber buffer sheds the event for that subscriber rather than
back-pressuring the publisher — exactly the "enqueue is non-blocking;
overflow is shed with a metric, never blocks ingest" rule in spec.md §5.
Dropped events increment metrics.EventsDroppedTotal.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	broker.Publish(&events.Event{Type: events.EventBatteryLow, DeviceID: id})
*/
package events
