/*
Package ack implements C5: the endpoint a device calls to report the
outcome of a previously dispatched command.

Complete looks the dispatch up by request_id, rejects a device/row
ownership mismatch, and applies storage.Store.CompleteDispatchOnce —
the ledger's write-once guarantee, so a retried ack from a device that
never saw the first response is a harmless no-op. When the dispatch
belongs to a remote_exec job (BulkID set), the job's acked/error
counters are incremented alongside.

# Usage

	r := ack.New(store)
	row, idempotent, err := r.Complete(ack.Request{RequestID: id, DeviceID: authenticatedID, Result: "ok"})
*/
package ack
