package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/security"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider counts calls so tests can assert idempotency actually
// prevented a second send, rather than just matching returned rows.
type fakeProvider struct {
	calls   int32
	fail    bool
	msgID   string
}

func (f *fakeProvider) Send(ctx context.Context, fcmToken string, data map[string]string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return "", fmt.Errorf("provider unavailable")
	}
	return f.msgID, nil
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestDispatcher(t *testing.T, provider PushProvider, allowList *ShellAllowList) (*Dispatcher, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	signer, err := security.NewCommandSigner("test-hmac-secret")
	require.NoError(t, err)
	return New(store, signer, provider, allowList), store
}

func TestDispatch_PersistsAndSends(t *testing.T) {
	provider := &fakeProvider{msgID: "msg-1"}
	d, _ := newTestDispatcher(t, provider, nil)

	row, err := d.Dispatch(context.Background(), Request{DeviceID: "dev-1", FCMToken: "tok-1", Action: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", row.FcmMessageID)
	assert.EqualValues(t, 1, provider.calls)
}

func TestDispatch_IdempotentOnSameRequestID(t *testing.T) {
	provider := &fakeProvider{msgID: "msg-1"}
	d, _ := newTestDispatcher(t, provider, nil)

	req := Request{RequestID: "req-fixed", DeviceID: "dev-1", FCMToken: "tok-1", Action: "ping"}
	first, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	second, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.RequestID, second.RequestID)
	assert.EqualValues(t, 1, provider.calls, "second dispatch with the same request_id must not call the provider again")
}

func TestDispatch_ConcurrentSameRequestIDCollapses(t *testing.T) {
	provider := &fakeProvider{msgID: "msg-1"}
	d, _ := newTestDispatcher(t, provider, nil)

	req := Request{RequestID: "req-concurrent", DeviceID: "dev-1", FCMToken: "tok-1", Action: "ping"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, provider.calls, int32(1))
}

func TestDispatch_ProviderFailureMarksRowFailed(t *testing.T) {
	provider := &fakeProvider{fail: true}
	d, store := newTestDispatcher(t, provider, nil)

	_, err := d.Dispatch(context.Background(), Request{RequestID: "req-fail", DeviceID: "dev-1", FCMToken: "tok-1", Action: "ping"})
	require.Error(t, err)
	assert.Equal(t, errs.KindDependency, errs.KindOf(err))

	row, getErr := store.GetDispatch("req-fail")
	require.NoError(t, getErr)
	require.NotNil(t, row)
	assert.Equal(t, "failed", string(row.FcmStatus))
}

func TestDispatch_RequiresDeviceIDAndAction(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeProvider{}, nil)
	_, err := d.Dispatch(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDispatchBulk_RejectsEmptyTargets(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeProvider{}, nil)
	_, err := d.DispatchBulk(context.Background(), BulkRequest{Mode: RemoteExecModeFCM, Command: "ping"})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDispatchBulk_RejectsShellWhenAllowListNil(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeProvider{}, nil)
	_, err := d.DispatchBulk(context.Background(), BulkRequest{
		Mode: RemoteExecModeShell, Command: "getprop ro.product.model", Targets: []string{"dev-1"},
	})
	require.Error(t, err)
}

func TestDispatchBulk_RejectsDisallowedShellCommand(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeProvider{}, NewShellAllowList(nil))
	_, err := d.DispatchBulk(context.Background(), BulkRequest{
		Mode: RemoteExecModeShell, Command: "rm -rf /", Targets: []string{"dev-1"},
	})
	require.Error(t, err)
}

func TestDispatchBulk_FansOutPerTarget(t *testing.T) {
	provider := &fakeProvider{msgID: "msg-1"}
	d, _ := newTestDispatcher(t, provider, nil)

	result, err := d.DispatchBulk(context.Background(), BulkRequest{
		Mode:     RemoteExecModeFCM,
		Command:  "ping",
		Targets:  []string{"dev-1", "dev-2"},
		FCMToken: map[string]string{"dev-1": "tok-1", "dev-2": "tok-2"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.Empty(t, result.Errors)
	assert.EqualValues(t, 2, provider.calls)
}

func TestDispatchBulk_DryRunSkipsDispatch(t *testing.T) {
	provider := &fakeProvider{msgID: "msg-1"}
	d, _ := newTestDispatcher(t, provider, nil)

	result, err := d.DispatchBulk(context.Background(), BulkRequest{
		Mode:    RemoteExecModeFCM,
		Command: "ping",
		Targets: []string{"dev-1"},
		DryRun:  true,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.EqualValues(t, 0, provider.calls)
}

func TestDispatchBulk_RetryIsIdempotentPerDevice(t *testing.T) {
	provider := &fakeProvider{msgID: "msg-1"}
	d, _ := newTestDispatcher(t, provider, nil)

	req := BulkRequest{
		ExecID:   "exec-1",
		Mode:     RemoteExecModeFCM,
		Command:  "ping",
		Targets:  []string{"dev-1"},
		FCMToken: map[string]string{"dev-1": "tok-1"},
	}

	_, err := d.DispatchBulk(context.Background(), req)
	require.NoError(t, err)
	_, err = d.DispatchBulk(context.Background(), req)
	require.NoError(t, err)

	assert.EqualValues(t, 1, provider.calls, "retried bulk call must not re-push to an already-dispatched device")
}

func TestHTTPPushProvider_DefaultTimeout(t *testing.T) {
	p := NewHTTPPushProvider("http://localhost", 0)
	assert.Equal(t, 8*time.Second, p.Client.Timeout)
}
