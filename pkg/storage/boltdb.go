package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices          = []byte("devices")
	bucketDevicesByAlias   = []byte("devices_by_alias")
	bucketDevicesByTokenID = []byte("devices_by_token_id")
	bucketLastStatus       = []byte("last_status")
	bucketHeartbeats       = []byte("heartbeats")
	bucketFcmDispatches    = []byte("fcm_dispatches")
	bucketRemoteExecJobs   = []byte("remote_exec_jobs")
	bucketAlertStates      = []byte("alert_states")
	bucketEnrollmentTokens = []byte("enrollment_tokens")
	bucketPartitions       = []byte("heartbeat_partitions")
)

// BoltStore implements Store using bbolt. Every bucket holds
// JSON-encoded rows keyed by the entity's natural ID; secondary
// indexes (alias, token_id) hold the device_id as their value.
// bbolt's single-writer transaction model is what gives the dedup
// insert and the registration row-lock their atomicity — no separate
// locking is needed inside a single Update call.
type BoltStore struct {
	db      *bolt.DB
	dataDir string
}

// NewBoltStore opens (creating if absent) the bbolt database under
// dataDir and ensures every top-level bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nexmdm.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDevices,
			bucketDevicesByAlias,
			bucketDevicesByTokenID,
			bucketLastStatus,
			bucketHeartbeats,
			bucketFcmDispatches,
			bucketRemoteExecJobs,
			bucketAlertStates,
			bucketEnrollmentTokens,
			bucketPartitions,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, dataDir: dataDir}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDeviceIndexed(tx, device)
	})
}

func putDeviceIndexed(tx *bolt.Tx, device *types.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketDevices).Put([]byte(device.DeviceID), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketDevicesByAlias).Put([]byte(device.Alias), []byte(device.DeviceID)); err != nil {
		return err
	}
	if device.TokenID != "" {
		if err := tx.Bucket(bucketDevicesByTokenID).Put([]byte(device.TokenID), []byte(device.DeviceID)); err != nil {
			return err
		}
	}
	return nil
}

// GetDevice returns (nil, nil) if deviceID names no device — a miss is
// not an error at the storage layer, only potentially one to the
// caller (e.g. the API maps a nil device to 404/401 as the route
// requires).
func (s *BoltStore) GetDevice(deviceID string) (*types.Device, error) {
	var device *types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if data == nil {
			return nil
		}
		device = &types.Device{}
		return json.Unmarshal(data, device)
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// GetDeviceByAlias returns (nil, nil) on a miss; see GetDevice.
func (s *BoltStore) GetDeviceByAlias(alias string) (*types.Device, error) {
	var device *types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDevicesByAlias).Get([]byte(alias))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketDevices).Get(id)
		if data == nil {
			return nil
		}
		device = &types.Device{}
		return json.Unmarshal(data, device)
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// GetDeviceByTokenID returns (nil, nil) on a miss; see GetDevice.
func (s *BoltStore) GetDeviceByTokenID(tokenID string) (*types.Device, error) {
	var device *types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDevicesByTokenID).Get([]byte(tokenID))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketDevices).Get(id)
		if data == nil {
			return nil
		}
		device = &types.Device{}
		return json.Unmarshal(data, device)
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, &d)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDeviceIndexed(tx, device)
	})
}

func (s *BoltStore) CountDevices() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDevices).Stats().KeyN
		return nil
	})
	return n, err
}

// RegisterDevice checks alias uniqueness and creates the device row
// atomically: bbolt serializes Update calls, so the existence check
// and the write below can never interleave with a concurrent
// registration of the same alias.
func (s *BoltStore) RegisterDevice(device *types.Device) (bool, error) {
	conflict := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDevicesByAlias).Get([]byte(device.Alias)) != nil {
			conflict = true
			return nil
		}
		return putDeviceIndexed(tx, device)
	})
	return conflict, err
}

// --- Heartbeats ---

func partitionName(t time.Time) string {
	return t.UTC().Format("20060102")
}

func heartbeatKey(deviceID string, ts time.Time) []byte {
	key := make([]byte, 0, len(deviceID)+1+8)
	key = append(key, []byte(deviceID)...)
	key = append(key, 0x00)
	var nanos [8]byte
	binary.BigEndian.PutUint64(nanos[:], uint64(ts.UnixNano()))
	return append(key, nanos[:]...)
}

// InsertHeartbeatDedup applies the bucketed dedup window from
// spec.md §4.3 and dual-writes DeviceLastStatus (last-writer-wins by
// Ts) in the same transaction.
func (s *BoltStore) InsertHeartbeatDedup(hb *types.DeviceHeartbeat, bucketSeconds int, derived DerivedStatus) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		part, err := tx.Bucket(bucketHeartbeats).CreateBucketIfNotExists([]byte(partitionName(hb.Ts)))
		if err != nil {
			return err
		}

		bucketStart := hb.Ts.Unix() / int64(bucketSeconds) * int64(bucketSeconds)
		bucketEnd := bucketStart + int64(bucketSeconds)
		prefix := append([]byte(hb.DeviceID), 0x00)
		lo := heartbeatKey(hb.DeviceID, time.Unix(bucketStart, 0).UTC())
		hi := heartbeatKey(hb.DeviceID, time.Unix(bucketEnd, 0).UTC())

		c := part.Cursor()
		k, _ := c.Seek(lo)
		if k != nil && bytesHasPrefix(k, prefix) && bytesLess(k, hi) {
			// An insert already landed in this device's dedup window;
			// the projection is still refreshed below regardless.
		} else {
			data, err := json.Marshal(hb)
			if err != nil {
				return err
			}
			if err := part.Put(heartbeatKey(hb.DeviceID, hb.Ts), data); err != nil {
				return err
			}
			created = true
		}

		return upsertLastStatusIfNewer(tx, hb, derived)
	})
	return created, err
}

func bytesHasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func bytesLess(a, b []byte) bool {
	return string(a) < string(b)
}

func upsertLastStatusIfNewer(tx *bolt.Tx, hb *types.DeviceHeartbeat, derived DerivedStatus) error {
	b := tx.Bucket(bucketLastStatus)
	existing := b.Get([]byte(hb.DeviceID))
	var status types.DeviceLastStatus
	if existing != nil {
		var cur types.DeviceLastStatus
		if err := json.Unmarshal(existing, &cur); err != nil {
			return err
		}
		if !hb.Ts.After(cur.LastTs) {
			return nil
		}
		status = cur
	}
	applyHeartbeatToLastStatus(&status, hb, derived)
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return b.Put([]byte(hb.DeviceID), data)
}

func applyHeartbeatToLastStatus(status *types.DeviceLastStatus, hb *types.DeviceHeartbeat, derived DerivedStatus) {
	status.DeviceID = hb.DeviceID
	status.LastTs = hb.Ts
	status.BatteryPct = hb.BatteryPct
	status.NetworkType = hb.NetworkType
	status.UnityRunning = hb.UnityRunning
	status.SignalDBM = hb.SignalDBM
	status.AgentVersion = hb.AgentVersion
	status.IP = hb.IP
	status.Status = hb.Status
	status.MonitoredForegroundRecentS = hb.MonitoredForegroundRecentS
	status.ServiceUp = derived.ServiceUp
	status.MonitoredPackage = derived.MonitoredPackage
	status.MonitoredThresholdMin = derived.MonitoredThresholdMin
}

// RepairLastStatus re-applies upsertLastStatusIfNewer outside of the
// dedup-insert path, for the reconciliation job (C8). It preserves
// whatever ServiceUp/monitoring projection already exists (C8 has no
// monitoring-settings context of its own) and only corrects the
// telemetry fields and LastTs.
func (s *BoltStore) RepairLastStatus(hb *types.DeviceHeartbeat) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		derived := DerivedStatus{}
		if existing := tx.Bucket(bucketLastStatus).Get([]byte(hb.DeviceID)); existing != nil {
			var cur types.DeviceLastStatus
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			derived.ServiceUp = cur.ServiceUp
			derived.MonitoredPackage = cur.MonitoredPackage
			derived.MonitoredThresholdMin = cur.MonitoredThresholdMin
		}
		return upsertLastStatusIfNewer(tx, hb, derived)
	})
}

func (s *BoltStore) ListHeartbeats(deviceID string, from, to time.Time) ([]*types.DeviceHeartbeat, error) {
	var out []*types.DeviceHeartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		hbs := tx.Bucket(bucketHeartbeats)
		for d := truncateDay(from); !d.After(truncateDay(to)); d = d.AddDate(0, 0, 1) {
			part := hbs.Bucket([]byte(partitionName(d)))
			if part == nil {
				continue
			}
			prefix := append([]byte(deviceID), 0x00)
			c := part.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytesHasPrefix(k, prefix); k, v = c.Next() {
				var hb types.DeviceHeartbeat
				if err := json.Unmarshal(v, &hb); err != nil {
					return err
				}
				if hb.Ts.Before(from) || hb.Ts.After(to) {
					continue
				}
				out = append(out, &hb)
			}
		}
		return nil
	})
	return out, err
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ListHeartbeatsInPartition dumps every row in one day-partition
// bucket, unfiltered by device — used by the partition manager (C2) to
// archive a bucket wholesale rather than device-by-device.
func (s *BoltStore) ListHeartbeatsInPartition(partitionName string) ([]*types.DeviceHeartbeat, error) {
	var out []*types.DeviceHeartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		part := tx.Bucket(bucketHeartbeats).Bucket([]byte(partitionName))
		if part == nil {
			return nil
		}
		return part.ForEach(func(k, v []byte) error {
			var hb types.DeviceHeartbeat
			if err := json.Unmarshal(v, &hb); err != nil {
				return err
			}
			out = append(out, &hb)
			return nil
		})
	})
	return out, err
}

// LatestHeartbeat walks day partitions newest-first (partition names
// sort lexicographically, so a bucket cursor run in reverse visits
// them in calendar order) and returns the last heartbeat row found for
// the device in the first non-empty partition. lookbackDays bounds how
// many partitions are opened for a device with no recent telemetry.
func (s *BoltStore) LatestHeartbeat(deviceID string, lookbackDays int) (*types.DeviceHeartbeat, error) {
	var out *types.DeviceHeartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		hbs := tx.Bucket(bucketHeartbeats)
		prefix := append([]byte(deviceID), 0x00)
		c := hbs.Cursor()
		checked := 0
		for k, v := c.Last(); k != nil && checked < lookbackDays; k, v = c.Prev() {
			if v != nil {
				// not a nested (partition) bucket; skip.
				continue
			}
			checked++
			part := hbs.Bucket(k)
			if part == nil {
				continue
			}
			var lastVal []byte
			pc := part.Cursor()
			for pk, pv := pc.Seek(prefix); pk != nil && bytesHasPrefix(pk, prefix); pk, pv = pc.Next() {
				lastVal = pv
			}
			if lastVal == nil {
				continue
			}
			var hb types.DeviceHeartbeat
			if err := json.Unmarshal(lastVal, &hb); err != nil {
				return err
			}
			out = &hb
			return nil
		}
		return nil
	})
	return out, err
}

// BatchLatestHeartbeats answers the alert evaluator's (C6) need for
// the last n heartbeats per device within a recent window. It is
// "batch" at the call-site level — one call covers the whole fleet —
// built on top of ListHeartbeats per device, trimmed to the newest n.
func (s *BoltStore) BatchLatestHeartbeats(deviceIDs []string, n int, within time.Duration) (map[string][]*types.DeviceHeartbeat, error) {
	if n <= 0 {
		n = 2
	}
	now := time.Now().UTC()
	from := now.Add(-within)

	out := make(map[string][]*types.DeviceHeartbeat, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		rows, err := s.ListHeartbeats(deviceID, from, now)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Ts.After(rows[j].Ts) })
		if len(rows) > n {
			rows = rows[:n]
		}
		out[deviceID] = rows
	}
	return out, nil
}

// --- DeviceLastStatus ---

// GetLastStatus returns (nil, nil) if deviceID has never had a
// heartbeat projected — the reconciliation job (C8) relies on this to
// tell "never seen" apart from a storage failure.
func (s *BoltStore) GetLastStatus(deviceID string) (*types.DeviceLastStatus, error) {
	var status *types.DeviceLastStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLastStatus).Get([]byte(deviceID))
		if data == nil {
			return nil
		}
		status = &types.DeviceLastStatus{}
		return json.Unmarshal(data, status)
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *BoltStore) BatchGetLastStatus(deviceIDs []string) (map[string]*types.DeviceLastStatus, error) {
	out := make(map[string]*types.DeviceLastStatus, len(deviceIDs))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLastStatus)
		for _, id := range deviceIDs {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var status types.DeviceLastStatus
			if err := json.Unmarshal(data, &status); err != nil {
				return err
			}
			out[id] = &status
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListLastStatus() ([]*types.DeviceLastStatus, error) {
	var out []*types.DeviceLastStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLastStatus).ForEach(func(k, v []byte) error {
			var status types.DeviceLastStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return err
			}
			out = append(out, &status)
			return nil
		})
	})
	return out, err
}

// --- FcmDispatch ---

func (s *BoltStore) CreateDispatchIfAbsent(d *types.FcmDispatch) (bool, *types.FcmDispatch, error) {
	created := false
	var existing types.FcmDispatch
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFcmDispatches)
		cur := b.Get([]byte(d.RequestID))
		if cur != nil {
			created = false
			return json.Unmarshal(cur, &existing)
		}
		created = true
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.RequestID), data)
	})
	if err != nil {
		return false, nil, err
	}
	if created {
		return true, nil, nil
	}
	return false, &existing, nil
}

// GetDispatch returns (nil, nil) for an unknown request_id.
func (s *BoltStore) GetDispatch(requestID string) (*types.FcmDispatch, error) {
	var d *types.FcmDispatch
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFcmDispatches).Get([]byte(requestID))
		if data == nil {
			return nil
		}
		d = &types.FcmDispatch{}
		return json.Unmarshal(data, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *BoltStore) UpdateDispatch(d *types.FcmDispatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFcmDispatches).Put([]byte(d.RequestID), data)
	})
}

// CompleteDispatchOnce applies a device ack exactly once: a dispatch
// that already has CompletedAt set is left untouched and
// alreadyCompleted is reported to the caller (C5's idempotent-ack rule).
func (s *BoltStore) CompleteDispatchOnce(requestID string, status types.FcmStatus, resultMessage string, completedAt time.Time) (bool, error) {
	alreadyCompleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFcmDispatches)
		data := b.Get([]byte(requestID))
		if data == nil {
			return errs.New(errs.KindNotFound, "dispatch not found: "+requestID)
		}
		var d types.FcmDispatch
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		if d.CompletedAt != nil {
			alreadyCompleted = true
			return nil
		}
		d.CompletedAt = &completedAt
		d.FcmStatus = status
		d.Result = string(status)
		d.ResultMessage = resultMessage
		out, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(requestID), out)
	})
	return alreadyCompleted, err
}

// --- RemoteExecJob ---

func (s *BoltStore) CreateRemoteExecJob(job *types.RemoteExecJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRemoteExecJobs).Put([]byte(job.ExecID), data)
	})
}

// GetRemoteExecJob returns (nil, nil) for an unknown exec_id.
func (s *BoltStore) GetRemoteExecJob(execID string) (*types.RemoteExecJob, error) {
	var job *types.RemoteExecJob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRemoteExecJobs).Get([]byte(execID))
		if data == nil {
			return nil
		}
		job = &types.RemoteExecJob{}
		return json.Unmarshal(data, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *BoltStore) IncrRemoteExecJobCounters(execID string, ackedDelta, errorDelta int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRemoteExecJobs)
		data := b.Get([]byte(execID))
		if data == nil {
			return errs.New(errs.KindNotFound, "remote exec job not found: "+execID)
		}
		var job types.RemoteExecJob
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.AckedCount += int64(ackedDelta)
		job.ErrorCount += int64(errorDelta)
		out, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(execID), out)
	})
}

// --- AlertState ---

func alertStateKey(deviceID string, cond types.AlertCondition) []byte {
	return []byte(deviceID + "|" + string(cond))
}

// GetAlertState returns (nil, nil) if no state has been recorded for
// this (device, condition) pair yet.
func (s *BoltStore) GetAlertState(deviceID string, cond types.AlertCondition) (*types.AlertState, error) {
	var state *types.AlertState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlertStates).Get(alertStateKey(deviceID, cond))
		if data == nil {
			return nil
		}
		state = &types.AlertState{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BoltStore) BatchGetAlertStates(deviceIDs []string) (map[string]map[types.AlertCondition]*types.AlertState, error) {
	want := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		want[id] = true
	}
	out := make(map[string]map[types.AlertCondition]*types.AlertState, len(deviceIDs))
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlertStates).ForEach(func(k, v []byte) error {
			var state types.AlertState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if !want[state.DeviceID] {
				return nil
			}
			if out[state.DeviceID] == nil {
				out[state.DeviceID] = make(map[types.AlertCondition]*types.AlertState)
			}
			out[state.DeviceID][state.Condition] = &state
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpsertAlertState(state *types.AlertState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAlertStates).Put(alertStateKey(state.DeviceID, state.Condition), data)
	})
}

func (s *BoltStore) ListRaisedAlertStates() ([]*types.AlertState, error) {
	var out []*types.AlertState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlertStates).ForEach(func(k, v []byte) error {
			var state types.AlertState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.State == types.AlertStateRaised {
				out = append(out, &state)
			}
			return nil
		})
	})
	return out, err
}

// --- EnrollmentToken ---

func (s *BoltStore) CreateEnrollmentToken(tok *types.EnrollmentToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tok)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEnrollmentTokens).Put([]byte(tok.TokenID), data)
	})
}

// GetEnrollmentToken returns (nil, nil) for an unknown token id.
func (s *BoltStore) GetEnrollmentToken(tokenID string) (*types.EnrollmentToken, error) {
	var tok *types.EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnrollmentTokens).Get([]byte(tokenID))
		if data == nil {
			return nil
		}
		tok = &types.EnrollmentToken{}
		return json.Unmarshal(data, tok)
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// ConsumeEnrollmentToken atomically checks remaining uses and expiry,
// then increments UsesConsumed (marking the token Used when exhausted).
// ok=false covers every rejection reason; the caller (C7) maps that to
// an auth error without leaking which reason applied.
func (s *BoltStore) ConsumeEnrollmentToken(tokenID string) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollmentTokens)
		data := b.Get([]byte(tokenID))
		if data == nil {
			return nil
		}
		var tok types.EnrollmentToken
		if err := json.Unmarshal(data, &tok); err != nil {
			return err
		}
		if tok.Status != types.EnrollmentTokenActive {
			return nil
		}
		if time.Now().After(tok.ExpiresAt) {
			return nil
		}
		if tok.UsesConsumed >= tok.UsesAllowed {
			return nil
		}
		tok.UsesConsumed++
		if tok.UsesConsumed >= tok.UsesAllowed {
			tok.Status = types.EnrollmentTokenUsed
		}
		out, err := json.Marshal(tok)
		if err != nil {
			return err
		}
		ok = true
		return b.Put([]byte(tokenID), out)
	})
	return ok, err
}

// --- HeartbeatPartition ---

func (s *BoltStore) CreatePartitionIfAbsent(p *types.HeartbeatPartition) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitions)
		if b.Get([]byte(p.PartitionName)) != nil {
			return nil
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		created = true
		return b.Put([]byte(p.PartitionName), data)
	})
	return created, err
}

// GetPartition returns (nil, nil) for an unknown partition name.
func (s *BoltStore) GetPartition(name string) (*types.HeartbeatPartition, error) {
	var p *types.HeartbeatPartition
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPartitions).Get([]byte(name))
		if data == nil {
			return nil
		}
		p = &types.HeartbeatPartition{}
		return json.Unmarshal(data, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BoltStore) ListPartitions() ([]*types.HeartbeatPartition, error) {
	var out []*types.HeartbeatPartition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			var p types.HeartbeatPartition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdatePartition(p *types.HeartbeatPartition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPartitions).Put([]byte(p.PartitionName), data)
	})
}

// DropPartitionBucket deletes the underlying heartbeat sub-bucket for
// a partition. The caller (C2) is responsible for only calling this
// once the partition row is Archived with a checksum and archive_url.
func (s *BoltStore) DropPartitionBucket(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		hbs := tx.Bucket(bucketHeartbeats)
		if hbs.Bucket([]byte(name)) == nil {
			return nil
		}
		return hbs.DeleteBucket([]byte(name))
	})
}

// --- Advisory locks ---

// TryAdvisoryLock acquires a named, process-wide advisory lock backed
// by a flock(2) file next to the database. bbolt has no cross-process
// session concept of its own, so L_nightly and L_reconcile are
// enforced at the filesystem layer instead.
func (s *BoltStore) TryAdvisoryLock(name string) (func() error, bool, error) {
	path := filepath.Join(s.dataDir, "advisory-"+name+".lock")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return fl.Unlock, true, nil
}
