package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexmdm/nexmdm/pkg/ack"
	"github.com/nexmdm/nexmdm/pkg/alert"
	"github.com/nexmdm/nexmdm/pkg/dispatch"
	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/ingest"
	"github.com/nexmdm/nexmdm/pkg/partition"
	"github.com/nexmdm/nexmdm/pkg/reconciler"
	"github.com/nexmdm/nexmdm/pkg/registration"
	"github.com/nexmdm/nexmdm/pkg/security"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "admin-test-key"

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeProvider struct{}

func (fakeProvider) Send(ctx context.Context, fcmToken string, data map[string]string) (string, error) {
	return "fake-msg-id", nil
}

func registerTestDevice(t *testing.T, store storage.Store, deviceID, secret string) *types.Device {
	t.Helper()
	d := &types.Device{
		DeviceID:       deviceID,
		Alias:          deviceID,
		TokenHash:      security.HashToken(secret),
		TokenID:        security.TokenFingerprint(secret),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
		MonitorEnabled: true,
	}
	conflict, err := store.RegisterDevice(d)
	require.NoError(t, err)
	require.False(t, conflict)
	return d
}

func fullDeps(t *testing.T, store storage.Store) Deps {
	t.Helper()
	signer, err := security.NewCommandSigner("test-hmac-secret")
	require.NoError(t, err)
	return Deps{
		Store:        store,
		Ingestor:     ingest.New(store, events.NewBroker(), 60, types.MonitoringDefaults{}),
		Dispatcher:   dispatch.New(store, signer, fakeProvider{}, nil),
		AckReceiver:  ack.New(store),
		Registration: registration.New(store, 5, types.MonitoringDefaults{}),
		Evaluator:    alert.New(store, events.NewBroker(), alert.Config{}),
		Partitions:   mustManager(t, store),
		Reconciler:   reconciler.NewReconciler(store, events.NewBroker()),
		Admin:        AdminAuthenticator{AdminKey: testAdminKey},
	}
}

func mustManager(t *testing.T, store storage.Store) *partition.Manager {
	t.Helper()
	blobs, err := partition.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	return partition.NewManager(store, events.NewBroker(), blobs, 1, 30)
}

func decodeJSON(t *testing.T, body *bytes.Buffer, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(body.Bytes(), v))
}

func TestHandleHealth_AlwaysOK(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	decodeJSON(t, rec.Body, &resp)
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleReady_OKWhenStoreReachable(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceRoute_RejectsMissingBearer(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	body := `{"device_id":"dev-1"}`
	req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceRoute_RejectsUnknownToken(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewBufferString(`{"device_id":"dev-1"}`))
	req.Header.Set("Authorization", "Bearer no-such-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceRoute_RejectsRevokedDevice(t *testing.T) {
	store := newTestStore(t)
	device := registerTestDevice(t, store, "dev-1", "dev-1-secret")
	device.TokenRevokedAt = timePtr(time.Now())
	require.NoError(t, store.UpdateDevice(device))

	router := NewRouter(fullDeps(t, store))
	req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewBufferString(`{"device_id":"dev-1"}`))
	req.Header.Set("Authorization", "Bearer dev-1-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestHandleHeartbeat_AcceptsValidDevice(t *testing.T) {
	store := newTestStore(t)
	registerTestDevice(t, store, "dev-1", "dev-1-secret")
	router := NewRouter(fullDeps(t, store))

	payload := `{"device_id":"dev-1","ts":"` + time.Now().UTC().Format(time.RFC3339) + `","battery_pct":80,"status":"ok"}`
	req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewBufferString(payload))
	req.Header.Set("Authorization", "Bearer dev-1-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	decodeJSON(t, rec.Body, &resp)
	assert.True(t, resp["ok"])
}

func TestHandleActionResult_CompletesDispatch(t *testing.T) {
	store := newTestStore(t)
	registerTestDevice(t, store, "dev-1", "dev-1-secret")
	_, _, err := store.CreateDispatchIfAbsent(&types.FcmDispatch{
		RequestID: "req-1", DeviceID: "dev-1", Action: "ping",
		SentAt: time.Now(), FcmStatus: types.FcmSent,
	})
	require.NoError(t, err)

	router := NewRouter(fullDeps(t, store))
	req := httptest.NewRequest(http.MethodPost, "/action-result", bytes.NewBufferString(`{"request_id":"req-1","status":"ok"}`))
	req.Header.Set("Authorization", "Bearer dev-1-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoute_RejectsMissingCredential(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/commands/ping", bytes.NewBufferString(`{"device_id":"dev-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoute_RejectsWrongKey(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/commands/ping", bytes.NewBufferString(`{"device_id":"dev-1"}`))
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCommand_DispatchesPing(t *testing.T) {
	store := newTestStore(t)
	registerTestDevice(t, store, "dev-1", "dev-1-secret")
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/commands/ping", bytes.NewBufferString(`{"device_id":"dev-1"}`))
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp commandResponse
	decodeJSON(t, rec.Body, &resp)
	assert.NotEmpty(t, resp.RequestID)
}

func TestHandleCommand_UnknownDeviceIsNotFound(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/commands/ping", bytes.NewBufferString(`{"device_id":"no-such-device"}`))
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRemoteExec_FansOutAndStatusIsQueryable(t *testing.T) {
	store := newTestStore(t)
	registerTestDevice(t, store, "dev-1", "dev-1-secret")
	registerTestDevice(t, store, "dev-2", "dev-2-secret")
	router := NewRouter(fullDeps(t, store))

	body := `{"mode":"fcm","targets":["dev-1","dev-2"],"command":"reboot"}`
	req := httptest.NewRequest(http.MethodPost, "/remote-exec", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp remoteExecResponse
	decodeJSON(t, rec.Body, &resp)
	require.NotEmpty(t, resp.ExecID)

	statusReq := httptest.NewRequest(http.MethodGet, "/remote-exec/"+resp.ExecID, nil)
	statusReq.Header.Set("Authorization", "Bearer "+testAdminKey)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status remoteExecStatusResponse
	decodeJSON(t, statusRec.Body, &status)
	assert.Equal(t, 2, status.Targets)
}

func TestHandleOpsNightly_RunsPartitionManager(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/ops/nightly", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	partitions, err := store.ListPartitions()
	require.NoError(t, err)
	assert.NotEmpty(t, partitions)
}

func TestHandleOpsReconcile_RunsReconciler(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/ops/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	decodeJSON(t, rec.Body, &resp)
	assert.Contains(t, resp, "scanned")
}

func TestHandleRegister_CreatesDevice(t *testing.T) {
	store := newTestStore(t)
	router := NewRouter(fullDeps(t, store))

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString(`{"alias":"new-device"}`))
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp registerResponse
	decodeJSON(t, rec.Body, &resp)
	assert.NotEmpty(t, resp.DeviceID)
	assert.NotEmpty(t, resp.DeviceToken)
}

func timePtr(t time.Time) *time.Time { return &t }
