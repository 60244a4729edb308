package registration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexmdm/nexmdm/pkg/errs"
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

func TestRegister_RejectsEmptyAlias(t *testing.T) {
	g := New(newTestStore(t), 1, types.MonitoringDefaults{})
	_, err := g.Register(context.Background(), Request{Alias: ""})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestRegister_RejectsOverlongAlias(t *testing.T) {
	g := New(newTestStore(t), 1, types.MonitoringDefaults{})
	alias := make([]byte, 201)
	for i := range alias {
		alias[i] = 'a'
	}
	_, err := g.Register(context.Background(), Request{Alias: string(alias)})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestRegister_CreatesDeviceWithDefaults(t *testing.T) {
	store := newTestStore(t)
	defaults := types.MonitoringDefaults{Package: "com.example.app", ThresholdMin: 10, Enabled: true}
	g := New(store, 5, defaults)

	result, err := g.Register(context.Background(), Request{Alias: "device-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.DeviceID)
	assert.NotEmpty(t, result.DeviceToken)

	device, err := store.GetDevice(result.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, "device-1", device.Alias)
	assert.True(t, device.MonitoringUseDefaults)
	assert.Equal(t, "com.example.app", device.MonitoredPackage)
}

func TestRegister_DuplicateAliasIsConflict(t *testing.T) {
	store := newTestStore(t)
	g := New(store, 5, types.MonitoringDefaults{})

	_, err := g.Register(context.Background(), Request{Alias: "device-1"})
	require.NoError(t, err)

	_, err = g.Register(context.Background(), Request{Alias: "device-1"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestRegister_RejectsInvalidEnrollmentToken(t *testing.T) {
	store := newTestStore(t)
	g := New(store, 5, types.MonitoringDefaults{})

	_, err := g.Register(context.Background(), Request{Alias: "device-1", EnrollmentTokenID: "no-such-token"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestRegister_ConsumesValidEnrollmentToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateEnrollmentToken(&types.EnrollmentToken{
		TokenID: "tok-1", Status: types.EnrollmentTokenActive,
		ExpiresAt: time.Now().Add(time.Hour), UsesAllowed: 1,
	}))

	g := New(store, 5, types.MonitoringDefaults{})
	_, err := g.Register(context.Background(), Request{Alias: "device-1", EnrollmentTokenID: "tok-1"})
	require.NoError(t, err)

	_, err = g.Register(context.Background(), Request{Alias: "device-2", EnrollmentTokenID: "tok-1"})
	require.Error(t, err, "a single-use token must not be usable twice")
}

func TestRegister_BoundsConcurrency(t *testing.T) {
	store := newTestStore(t)
	g := New(store, 1, types.MonitoringDefaults{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Hold the single slot by acquiring the semaphore directly.
	require.NoError(t, g.sem.Acquire(context.Background(), 1))
	defer g.sem.Release(1)

	var wg sync.WaitGroup
	wg.Add(1)
	var regErr error
	go func() {
		defer wg.Done()
		_, regErr = g.Register(ctx, Request{Alias: "device-blocked"})
	}()
	wg.Wait()

	require.Error(t, regErr)
	assert.Equal(t, errs.KindRateLimit, errs.KindOf(regErr))
}
