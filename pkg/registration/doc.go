/*
Package registration implements C7: admission of new devices under a
bounded concurrency budget.

Register validates the alias (1-200 characters), then acquires a slot
from a process-wide golang.org/x/sync/semaphore.Weighted (capacity K,
spec.md §4.7 default 15) — the time spent in Acquire is the queue-wait
metric, and Acquire(ctx, 1) is context-cancelable, unlike a raw
buffered-channel send. Once admitted: optionally consume a scoped enrollment token,
generate a fresh device secret, and hand off to
storage.Store.RegisterDevice — the atomic alias-check-and-create
primitive that turns a duplicate alias into a 409 conflict rather than
a UNIQUE constraint error.

# Usage

	gate := registration.New(store, 15, cfg.Monitoring)
	result, err := gate.Register(ctx, registration.Request{Alias: "device-42"})
*/
package registration
