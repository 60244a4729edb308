/*
Package reconciler implements C8, the drift-repair job for
DeviceLastStatus.

DeviceLastStatus is a projection maintained inline by heartbeat
ingestion (C3) on every accepted heartbeat. Inline maintenance can miss
rows: a device registered but never got a first heartbeat recorded
before a crash, a dual-write that failed partway in an earlier build,
or a restore from backup. The reconciler finds and repairs these.

# Algorithm

Under the L_reconcile advisory lock (skipped, not blocked, if already
held — see pkg/storage's TryAdvisoryLock), scan up to MaxRows devices.
For each, compare DeviceLastStatus.LastTs against the device's most
recent heartbeat (storage.Store.LatestHeartbeat). A row is repaired
when it's missing entirely or its LastTs is strictly older than the
latest heartbeat's timestamp; the projection is recomputed from that
heartbeat and upserted.

The repair is storage.Store.RepairLastStatus, which applies the same
last-writer-wins upsert as InsertHeartbeatDedup without touching
heartbeat history: it is safe to run concurrently with C3 because both
go through the same "only overwrite if strictly newer" rule.

# Usage

	rec := reconciler.NewReconciler(store, broker)
	rec.MaxRows = 500
	rec.Start()
	defer rec.Stop()

	// out-of-band trigger, e.g. from the /ops/reconcile handler:
	result, err := rec.RunOnce()
*/
package reconciler
