/*
Package storage provides BoltDB-backed state persistence for the
device fleet control plane.

BoltStore implements Store on top of bbolt (go.etcd.io/bbolt), an
embedded, transactional key-value store. All rows are JSON-encoded and
kept in per-entity buckets; bbolt's single-writer transaction model is
what gives the bucketed heartbeat dedup insert, the dual-write to
DeviceLastStatus, and the device-registration row-lock their atomicity
— no extra in-process locking is layered on top.

# Buckets

	devices               (device_id   -> Device)
	devices_by_alias      (alias       -> device_id)
	devices_by_token_id   (token_id    -> device_id)
	last_status           (device_id   -> DeviceLastStatus)
	heartbeats            (sub-bucket per day "YYYYMMDD", keyed
	                        device_id + nanosecond timestamp)
	fcm_dispatches        (request_id  -> FcmDispatch)
	remote_exec_jobs      (exec_id     -> RemoteExecJob)
	alert_states          (device_id|condition -> AlertState)
	enrollment_tokens     (token_id    -> EnrollmentToken)
	heartbeat_partitions  (partition_name -> HeartbeatPartition)

Day-keyed heartbeat sub-buckets let the partition manager drop an
entire day's telemetry in one DeleteBucket call instead of scanning
and deleting row by row.

# Advisory locks

bbolt has no cross-process session concept, so the L_nightly and
L_reconcile locks used by the partition manager and the reconciliation
job are enforced with a gofrs/flock file lock next to the database
file rather than inside bbolt itself. TryAdvisoryLock never blocks: a
lock already held elsewhere returns ok=false immediately.

# Usage

	store, err := storage.NewBoltStore("/var/lib/nexmdm")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	created, err := store.InsertHeartbeatDedup(hb, 10, storage.DerivedStatus{})
*/
package storage
