package ingest

import (
	"testing"
	"time"

	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/security"
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

func registerTestDevice(t *testing.T, store storage.Store, deviceID, alias, secret string) *types.Device {
	t.Helper()
	d := &types.Device{
		DeviceID:  deviceID,
		Alias:     alias,
		TokenHash: security.HashToken(secret),
		TokenID:   security.TokenFingerprint(secret),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	conflict, err := store.RegisterDevice(d)
	require.NoError(t, err)
	require.False(t, conflict)
	return d
}

func TestSubmit_RejectsMissingFields(t *testing.T) {
	store := newTestStore(t)
	ing := New(store, events.NewBroker(), 10, types.MonitoringDefaults{})

	_, err := ing.Submit("secret", &types.DeviceHeartbeat{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSubmit_RejectsUnknownSecret(t *testing.T) {
	store := newTestStore(t)
	ing := New(store, events.NewBroker(), 10, types.MonitoringDefaults{})

	_, err := ing.Submit("no-such-secret", &types.DeviceHeartbeat{DeviceID: "dev-1", Ts: time.Now()})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestSubmit_RejectsRevokedDevice(t *testing.T) {
	store := newTestStore(t)
	secret := "dev-secret"
	d := registerTestDevice(t, store, "dev-1", "alias-1", secret)
	revoked := time.Now()
	d.TokenRevokedAt = &revoked
	require.NoError(t, store.UpdateDevice(d))

	ing := New(store, events.NewBroker(), 10, types.MonitoringDefaults{})
	_, err := ing.Submit(secret, &types.DeviceHeartbeat{DeviceID: "dev-1", Ts: time.Now()})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "device_deleted", e.Message)
}

func TestSubmit_FirstInsertCreatesRow(t *testing.T) {
	store := newTestStore(t)
	secret := "dev-secret"
	registerTestDevice(t, store, "dev-1", "alias-1", secret)

	ing := New(store, events.NewBroker(), 10, types.MonitoringDefaults{})
	result, err := ing.Submit(secret, &types.DeviceHeartbeat{
		DeviceID:   "dev-1",
		Ts:         time.Now(),
		BatteryPct: 80,
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Created)

	status, err := store.GetLastStatus("dev-1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 80, status.BatteryPct)
}

func TestSubmit_DedupWithinBucket(t *testing.T) {
	store := newTestStore(t)
	secret := "dev-secret"
	registerTestDevice(t, store, "dev-1", "alias-1", secret)

	ing := New(store, events.NewBroker(), 10, types.MonitoringDefaults{})
	ts := time.Now().Truncate(10 * time.Second)

	first, err := ing.Submit(secret, &types.DeviceHeartbeat{DeviceID: "dev-1", Ts: ts})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := ing.Submit(secret, &types.DeviceHeartbeat{DeviceID: "dev-1", Ts: ts.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.False(t, second.Created, "second submit within the same bucket should dedup")
}

func TestSubmit_BodyDeviceIDMismatch(t *testing.T) {
	store := newTestStore(t)
	secret := "dev-secret"
	registerTestDevice(t, store, "dev-1", "alias-1", secret)

	ing := New(store, events.NewBroker(), 10, types.MonitoringDefaults{})
	_, err := ing.Submit(secret, &types.DeviceHeartbeat{DeviceID: "someone-else", Ts: time.Now()})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestDerive_UnknownWhenPackageNotInstalled(t *testing.T) {
	result := derive(map[string]bool{}, "com.example.app", intPtr(5), 10)
	assert.Nil(t, result)
}

func TestDerive_UnknownWhenRecencyMissing(t *testing.T) {
	installed := map[string]bool{"com.example.app": true}
	result := derive(installed, "com.example.app", nil, 10)
	assert.Nil(t, result)
}

func TestDerive_UpWithinThreshold(t *testing.T) {
	installed := map[string]bool{"com.example.app": true}
	result := derive(installed, "com.example.app", intPtr(60), 10)
	require.NotNil(t, result)
	assert.True(t, *result)
}

func TestDerive_DownPastThreshold(t *testing.T) {
	installed := map[string]bool{"com.example.app": true}
	result := derive(installed, "com.example.app", intPtr(700), 10)
	require.NotNil(t, result)
	assert.False(t, *result)
}

func TestEffectiveMonitoring_UsesDefaultsWhenFlagged(t *testing.T) {
	d := &types.Device{MonitoringUseDefaults: true, MonitoredPackage: "ignored"}
	defaults := types.MonitoringDefaults{Package: "com.fallback.app", ThresholdMin: 15}

	settings := effectiveMonitoring(d, defaults)
	assert.Equal(t, "com.fallback.app", settings.Package)
	assert.Equal(t, 15, settings.ThresholdMin)
}

func TestEffectiveMonitoring_UsesPerDeviceWhenNotFlagged(t *testing.T) {
	d := &types.Device{MonitoringUseDefaults: false, MonitoredPackage: "com.device.app", MonitoredThresholdMin: 5}
	settings := effectiveMonitoring(d, types.MonitoringDefaults{Package: "com.fallback.app"})
	assert.Equal(t, "com.device.app", settings.Package)
	assert.Equal(t, 5, settings.ThresholdMin)
}

func intPtr(v int) *int { return &v }
