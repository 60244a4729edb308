package alert

import (
	"testing"
	"time"

	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedDeviceAndStatus(t *testing.T, store storage.Store, deviceID string, status *types.DeviceLastStatus, opts ...func(*types.Device)) {
	t.Helper()
	d := &types.Device{DeviceID: deviceID, Alias: deviceID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	for _, opt := range opts {
		opt(d)
	}
	conflict, err := store.RegisterDevice(d)
	require.NoError(t, err)
	require.False(t, conflict)

	if status != nil {
		status.DeviceID = deviceID
		require.NoError(t, store.RepairLastStatus(&types.DeviceHeartbeat{
			DeviceID:     deviceID,
			Ts:           status.LastTs,
			BatteryPct:   status.BatteryPct,
			NetworkType:  status.NetworkType,
			UnityRunning: status.UnityRunning,
			SignalDBM:    status.SignalDBM,
			AgentVersion: status.AgentVersion,
			IP:           status.IP,
			Status:       status.Status,
		}))
	}
}

func TestTick_NoDevicesIsNoop(t *testing.T) {
	e := New(newTestStore(t), events.NewBroker(), Config{})
	require.NoError(t, e.Tick())
}

func TestTick_DeviceWithNoStatusSkipped(t *testing.T) {
	store := newTestStore(t)
	conflict, err := store.RegisterDevice(&types.Device{DeviceID: "dev-1", Alias: "dev-1"})
	require.NoError(t, err)
	require.False(t, conflict)

	e := New(store, events.NewBroker(), Config{})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertOffline)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestTick_OfflineRaisesPastThreshold(t *testing.T) {
	store := newTestStore(t)
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now().Add(-time.Hour), BatteryPct: 50})

	e := New(store, events.NewBroker(), Config{HeartbeatInterval: 10 * time.Minute, Cooldown: time.Minute})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertOffline)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.AlertStateRaised, state.State)
}

func TestTick_OnlineDeviceStaysOK(t *testing.T) {
	store := newTestStore(t)
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now(), BatteryPct: 90})

	e := New(store, events.NewBroker(), Config{HeartbeatInterval: 10 * time.Minute})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertOffline)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.AlertStateOK, state.State)
}

func TestTick_LowBatteryRaisesBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now(), BatteryPct: 5})

	e := New(store, events.NewBroker(), Config{LowBatteryPct: 15, Cooldown: time.Minute})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertLowBattery)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.AlertStateRaised, state.State)
}

func TestTick_UnityUnknownNeverRaises(t *testing.T) {
	store := newTestStore(t)
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now(), BatteryPct: 90, UnityRunning: nil})

	e := New(store, events.NewBroker(), Config{})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertUnityDown)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestTick_UnityDownRequireTwo_NeedsTwoConsecutiveHeartbeats(t *testing.T) {
	store := newTestStore(t)
	down := false
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now(), BatteryPct: 90, UnityRunning: &down})

	// The seed writes only the last-status projection; put the first
	// unity_running=false heartbeat into history as well.
	_, err := store.InsertHeartbeatDedup(&types.DeviceHeartbeat{
		DeviceID: "dev-1", Ts: time.Now().Add(-time.Minute), BatteryPct: 90, UnityRunning: &down,
	}, 60, storage.DerivedStatus{})
	require.NoError(t, err)

	e := New(store, events.NewBroker(), Config{UnityDownRequireTwo: true, Cooldown: time.Minute})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertUnityDown)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.AlertStateOK, state.State, "a single recent heartbeat must not raise when two consecutive are required")

	// A second heartbeat, also unity_running=false, lands within the window.
	_, err = store.InsertHeartbeatDedup(&types.DeviceHeartbeat{
		DeviceID: "dev-1", Ts: time.Now(), BatteryPct: 90, UnityRunning: &down,
	}, 60, storage.DerivedStatus{})
	require.NoError(t, err)

	require.NoError(t, e.Tick())

	state, err = store.GetAlertState("dev-1", types.AlertUnityDown)
	require.NoError(t, err)
	assert.Equal(t, types.AlertStateRaised, state.State)
}

func TestTick_UnityDownRequireTwo_StaleSecondHeartbeatOutsideWindow(t *testing.T) {
	store := newTestStore(t)
	down := false
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now(), BatteryPct: 90, UnityRunning: &down})

	// A prior violating heartbeat exists but well outside the 30-minute
	// lookback window; only the fresh one should count, so a single
	// in-window sample must not satisfy "two consecutive".
	_, err := store.InsertHeartbeatDedup(&types.DeviceHeartbeat{
		DeviceID: "dev-1", Ts: time.Now().Add(-2 * time.Hour), BatteryPct: 90, UnityRunning: &down,
	}, 60, storage.DerivedStatus{})
	require.NoError(t, err)

	e := New(store, events.NewBroker(), Config{UnityDownRequireTwo: true, Cooldown: time.Minute})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertUnityDown)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.AlertStateOK, state.State)
}

func TestTick_ServiceDownSkippedWhenMonitoringDisabled(t *testing.T) {
	store := newTestStore(t)
	down := false
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now(), BatteryPct: 90, ServiceUp: &down},
		func(d *types.Device) { d.MonitorEnabled = false })

	e := New(store, events.NewBroker(), Config{})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertServiceDown)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestTick_RaisedStateRecoversWhenConditionClears(t *testing.T) {
	store := newTestStore(t)
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now().Add(-time.Hour), BatteryPct: 50})

	e := New(store, events.NewBroker(), Config{HeartbeatInterval: 10 * time.Minute, Cooldown: time.Minute})
	require.NoError(t, e.Tick())
	state, err := store.GetAlertState("dev-1", types.AlertOffline)
	require.NoError(t, err)
	require.Equal(t, types.AlertStateRaised, state.State)

	// Device comes back online.
	require.NoError(t, store.RepairLastStatus(&types.DeviceHeartbeat{DeviceID: "dev-1", Ts: time.Now(), BatteryPct: 90}))
	require.NoError(t, e.Tick())

	state, err = store.GetAlertState("dev-1", types.AlertOffline)
	require.NoError(t, err)
	assert.Equal(t, types.AlertStateOK, state.State)
	require.NotNil(t, state.LastRecoveredAt)
}

func TestTick_CooldownSuppressesReRaise(t *testing.T) {
	store := newTestStore(t)
	seedDeviceAndStatus(t, store, "dev-1", &types.DeviceLastStatus{LastTs: time.Now().Add(-time.Hour), BatteryPct: 50})

	e := New(store, events.NewBroker(), Config{HeartbeatInterval: 10 * time.Minute, Cooldown: time.Hour})
	require.NoError(t, e.Tick())

	state, err := store.GetAlertState("dev-1", types.AlertOffline)
	require.NoError(t, err)
	require.Equal(t, types.AlertStateRaised, state.State)
	firstRaisedAt := state.LastRaisedAt

	// Recover then immediately re-violate within the cooldown window.
	require.NoError(t, store.RepairLastStatus(&types.DeviceHeartbeat{DeviceID: "dev-1", Ts: time.Now(), BatteryPct: 90}))
	require.NoError(t, e.Tick())
	require.NoError(t, store.RepairLastStatus(&types.DeviceHeartbeat{DeviceID: "dev-1", Ts: time.Now().Add(-time.Hour), BatteryPct: 50}))
	require.NoError(t, e.Tick())

	state, err = store.GetAlertState("dev-1", types.AlertOffline)
	require.NoError(t, err)
	assert.Equal(t, types.AlertStateOK, state.State, "cooldown should suppress an immediate re-raise")
	assert.Equal(t, firstRaisedAt, state.LastRaisedAt)
}
