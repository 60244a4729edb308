package storage

import (
	"time"

	"github.com/nexmdm/nexmdm/pkg/types"
)

// Store is the persistence interface for the control plane. A single
// implementation (BoltStore) backs it; the interface exists so
// components depend on behavior, not on bbolt directly.
type Store interface {
	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(deviceID string) (*types.Device, error)
	GetDeviceByAlias(alias string) (*types.Device, error)
	GetDeviceByTokenID(tokenID string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error
	CountDevices() (int, error)

	// RegisterDevice is the exclusive-writer registration primitive for
	// C7: it atomically checks alias uniqueness and creates the device
	// row in one transaction, returning conflict=true instead of an
	// error when the alias is already taken.
	RegisterDevice(device *types.Device) (conflict bool, err error)

	// Heartbeats (C3). InsertHeartbeatDedup applies the bucketed dedup
	// rule from spec.md §4.3: within the half-open window
	// [bucket_start, bucket_start+bucketSeconds), only the first insert
	// for a device succeeds. created is false on a dedup hit, not an
	// error. derived carries the ingestor-computed fields (service_up
	// and effective monitoring settings) that live only on
	// DeviceLastStatus, applied in the same transaction as the dedup
	// insert and the history-row write.
	InsertHeartbeatDedup(hb *types.DeviceHeartbeat, bucketSeconds int, derived DerivedStatus) (created bool, err error)
	ListHeartbeats(deviceID string, from, to time.Time) ([]*types.DeviceHeartbeat, error)

	// ListHeartbeatsInPartition returns every row in a single
	// day-partition bucket regardless of device, for the partition
	// manager's (C2) archive pass. Returns (nil, nil) if the partition
	// has no bucket (never written to, or already dropped).
	ListHeartbeatsInPartition(partitionName string) ([]*types.DeviceHeartbeat, error)

	// LatestHeartbeat is the authoritative "most recent telemetry"
	// read used by the reconciliation job (C8) to detect drift in
	// DeviceLastStatus; it scans partitions newest-first rather than
	// trusting the (possibly stale) projection. Returns nil, nil if
	// the device has no heartbeat history within lookbackDays.
	LatestHeartbeat(deviceID string, lookbackDays int) (*types.DeviceHeartbeat, error)

	// BatchLatestHeartbeats is the alert evaluator's (C6) batched
	// reach into heartbeat history for conditions that need more than
	// the last-status projection's single sample — unity_down's
	// require-two-consecutive-heartbeats rule. For each of deviceIDs
	// it returns up to the latest n heartbeats within the last
	// `within` window, newest first. A device with no heartbeats in
	// the window is simply absent from the result map.
	BatchLatestHeartbeats(deviceIDs []string, n int, within time.Duration) (map[string][]*types.DeviceHeartbeat, error)

	// RepairLastStatus re-derives DeviceLastStatus from a heartbeat
	// already present in history, without touching heartbeat history
	// itself. Used exclusively by the reconciliation job (C8), whose
	// input heartbeat is by definition already stored. Unlike
	// InsertHeartbeatDedup it takes no DerivedStatus: it keeps the
	// ServiceUp and monitoring fields already on the row.
	RepairLastStatus(hb *types.DeviceHeartbeat) error

	// DeviceLastStatus
	GetLastStatus(deviceID string) (*types.DeviceLastStatus, error)
	BatchGetLastStatus(deviceIDs []string) (map[string]*types.DeviceLastStatus, error)
	ListLastStatus() ([]*types.DeviceLastStatus, error)

	// FcmDispatch (C4/C5). CreateDispatchIfAbsent is the idempotency
	// primitive keyed by request_id: if a dispatch with the same
	// request_id already exists it is returned unmodified and created
	// is false. UpdateDispatch persists provider-call results
	// (status/provider_message_id/latency). CompleteDispatchOnce
	// applies the device ack exactly once, returning alreadyCompleted
	// when a terminal status is already set.
	CreateDispatchIfAbsent(d *types.FcmDispatch) (created bool, existing *types.FcmDispatch, err error)
	GetDispatch(requestID string) (*types.FcmDispatch, error)
	UpdateDispatch(d *types.FcmDispatch) error
	CompleteDispatchOnce(requestID string, status types.FcmStatus, resultMessage string, completedAt time.Time) (alreadyCompleted bool, err error)

	// RemoteExecJob (C4/C5)
	CreateRemoteExecJob(job *types.RemoteExecJob) error
	GetRemoteExecJob(execID string) (*types.RemoteExecJob, error)
	IncrRemoteExecJobCounters(execID string, ackedDelta, errorDelta int) error

	// AlertState (C6)
	GetAlertState(deviceID string, cond types.AlertCondition) (*types.AlertState, error)
	BatchGetAlertStates(deviceIDs []string) (map[string]map[types.AlertCondition]*types.AlertState, error)
	UpsertAlertState(state *types.AlertState) error
	ListRaisedAlertStates() ([]*types.AlertState, error)

	// EnrollmentToken (C7)
	CreateEnrollmentToken(tok *types.EnrollmentToken) error
	GetEnrollmentToken(tokenID string) (*types.EnrollmentToken, error)
	ConsumeEnrollmentToken(tokenID string) (ok bool, err error)

	// HeartbeatPartition (C2)
	CreatePartitionIfAbsent(p *types.HeartbeatPartition) (created bool, err error)
	GetPartition(name string) (*types.HeartbeatPartition, error)
	ListPartitions() ([]*types.HeartbeatPartition, error)
	UpdatePartition(p *types.HeartbeatPartition) error
	DropPartitionBucket(name string) error

	// AdvisoryLock is the session-scoped, name-keyed try-acquire
	// primitive from spec.md §4.1, used by C2 (L_nightly) and C8
	// (L_reconcile) so only one process runs a given maintenance job
	// at a time. It returns ok=false (never blocks) when the lock is
	// already held elsewhere.
	TryAdvisoryLock(name string) (unlock func() error, ok bool, err error)

	Close() error
}

// DerivedStatus carries the ingestor-computed (C3) fields that live on
// DeviceLastStatus but not on DeviceHeartbeat itself.
type DerivedStatus struct {
	ServiceUp             *bool
	MonitoredPackage      string
	MonitoredThresholdMin int
}
