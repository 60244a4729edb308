// Package dispatch implements C4: at-most-once command delivery to a
// device with a durable dispatch ledger, HMAC-signed push payloads,
// and the remote_exec shell allow-list.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/security"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RemoteExecMode enumerates the two remote_exec delivery modes from
// spec.md §4.4: "fcm" dispatches one of the named actions, "shell"
// sends an arbitrary (allow-listed) shell command.
const (
	RemoteExecModeFCM   = "fcm"
	RemoteExecModeShell = "shell"
)

// PushProvider abstracts the push-notification backend (spec.md §6's
// "push provider contract"): a single HTTP endpoint accepting
// {message: {token, data, android: {priority: "high"}}} and returning
// 2xx plus a message id on success.
type PushProvider interface {
	Send(ctx context.Context, fcmToken string, data map[string]string) (messageID string, err error)
}

// HTTPPushProvider is the default PushProvider, a plain net/http POST
// to a configured endpoint.
type HTTPPushProvider struct {
	URL    string
	Client *http.Client
}

// NewHTTPPushProvider builds a provider with the spec's 5-10s request
// timeout (default 8s).
func NewHTTPPushProvider(url string, timeout time.Duration) *HTTPPushProvider {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPPushProvider{URL: url, Client: &http.Client{Timeout: timeout}}
}

type pushEnvelope struct {
	Message pushMessage `json:"message"`
}

type pushMessage struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data"`
	Android pushAndroid       `json:"android"`
}

type pushAndroid struct {
	Priority string `json:"priority"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
}

// Send implements PushProvider.
func (p *HTTPPushProvider) Send(ctx context.Context, fcmToken string, data map[string]string) (string, error) {
	body, err := json.Marshal(pushEnvelope{Message: pushMessage{Token: fcmToken, Data: data, Android: pushAndroid{Priority: "high"}}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// Dispatcher sends commands to devices and maintains the FcmDispatch
// ledger.
type Dispatcher struct {
	store     storage.Store
	signer    *security.CommandSigner
	provider  PushProvider
	allowList *ShellAllowList
	sf        singleflight.Group
}

// New creates a Dispatcher. allowList may be nil if shell-mode
// remote_exec is never used (e.g. a fleet with no bloatware to purge);
// DispatchBulk rejects shell-mode requests outright in that case.
func New(store storage.Store, signer *security.CommandSigner, provider PushProvider, allowList *ShellAllowList) *Dispatcher {
	return &Dispatcher{store: store, signer: signer, provider: provider, allowList: allowList}
}

// Request describes one command to dispatch to a single device.
type Request struct {
	RequestID string // caller-supplied (e.g. "<bulk_id>-<device_id>"), or "" to generate a UUID
	DeviceID  string
	FCMToken  string
	Action    string
	Params    map[string]string // type-altering fields signed in sorted order
	BulkID    string
}

// Dispatch persists the ledger row before calling the push provider
// (spec.md §4.4 ordering guarantee), then records the provider outcome.
// An existing request_id short-circuits to the stored row without a
// second provider call — the idempotency rule in spec.md §4.4.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*types.FcmDispatch, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.DeviceID == "" || req.Action == "" {
		return nil, errs.New(errs.KindValidation, "device_id and action are required")
	}

	logger := log.WithRequestID(req.RequestID)

	// Collapse concurrent in-process callers for the same request_id
	// into one store round-trip before either reaches the store's own
	// idempotency check.
	v, err, _ := d.sf.Do(req.RequestID, func() (interface{}, error) {
		return d.dispatchOnce(ctx, req, logger)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.FcmDispatch), nil
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, req Request, logger zerolog.Logger) (*types.FcmDispatch, error) {
	ts := time.Now().UTC()
	sig := d.signer.Sign(req.RequestID, req.DeviceID, req.Action, ts, req.Params)

	row := &types.FcmDispatch{
		RequestID:   req.RequestID,
		BulkID:      req.BulkID,
		DeviceID:    req.DeviceID,
		Action:      req.Action,
		SentAt:      ts,
		PayloadHash: sig,
		FcmStatus:   types.FcmPending,
	}

	created, existing, err := d.store.CreateDispatchIfAbsent(row)
	if err != nil {
		return nil, errs.Wrap(errs.KindDependency, "failed to persist dispatch", err)
	}
	if !created {
		metrics.IdempotencyHitsTotal.Inc()
		logger.Debug().Str("action", req.Action).Msg("dispatch idempotency hit")
		return existing, nil
	}

	data := map[string]string{
		"action":     req.Action,
		"request_id": req.RequestID,
		"device_id":  req.DeviceID,
		"ts":         ts.Format(time.RFC3339),
		"hmac":       sig,
	}
	for k, v := range req.Params {
		data[k] = v
	}

	timer := metrics.NewTimer()
	messageID, sendErr := d.provider.Send(ctx, req.FCMToken, data)
	timer.ObserveDuration(metrics.DispatchLatency)

	if sendErr != nil {
		row.FcmStatus = types.FcmFailed
		row.LatencyMs = timer.Duration().Milliseconds()
		_ = d.store.UpdateDispatch(row)
		metrics.DispatchesTotal.WithLabelValues(req.Action, "failed").Inc()
		logger.Warn().Err(sendErr).Str("action", req.Action).Msg("push provider call failed")
		return row, errs.Wrap(errs.KindDependency, "push provider call failed", sendErr)
	}

	row.FcmStatus = types.FcmSent
	row.FcmMessageID = messageID
	row.LatencyMs = timer.Duration().Milliseconds()
	if err := d.store.UpdateDispatch(row); err != nil {
		return row, errs.Wrap(errs.KindDependency, "failed to update dispatch", err)
	}
	metrics.DispatchesTotal.WithLabelValues(req.Action, "sent").Inc()
	return row, nil
}

// BulkRequest describes a POST /remote-exec call targeting one or more
// devices with either a named fcm action or a shell command.
type BulkRequest struct {
	ExecID   string // caller-supplied or generated if empty
	Mode     string // RemoteExecModeFCM or RemoteExecModeShell
	Command  string // shell command (Mode == shell) or fcm action name (Mode == fcm)
	Params   map[string]string
	FCMToken map[string]string // device_id -> fcm_token, required for every target
	Targets  []string
	DryRun   bool
}

// BulkResult pairs one dispatched row per target with any per-device
// error (a target that failed validation or dispatch doesn't abort
// the rest of the batch).
type BulkResult struct {
	Job     *types.RemoteExecJob
	Rows    map[string]*types.FcmDispatch
	Errors  map[string]error
}

// DispatchBulk creates a RemoteExecJob and fans out one FcmDispatch per
// target device, using "<exec_id>-<device_id>" as each device's
// request_id so a retried bulk call is idempotent per-device (spec.md
// §4.4). Shell-mode commands are validated against the allow-list
// before the job row is even created — a rejected command dispatches
// to nobody.
func (d *Dispatcher) DispatchBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if len(req.Targets) == 0 {
		return nil, errs.New(errs.KindValidation, "remote_exec requires at least one target device")
	}
	if req.Mode != RemoteExecModeFCM && req.Mode != RemoteExecModeShell {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("unknown remote_exec mode %q", req.Mode))
	}

	if req.Mode == RemoteExecModeShell {
		if d.allowList == nil {
			return nil, errs.New(errs.KindValidation, "shell-mode remote_exec is disabled for this deployment")
		}
		if err := d.allowList.Validate(req.Command); err != nil {
			return nil, errs.Wrap(errs.KindValidation, "shell command rejected", err)
		}
	}

	if req.ExecID == "" {
		req.ExecID = uuid.NewString()
	}

	job := &types.RemoteExecJob{
		ExecID:        req.ExecID,
		Mode:          req.Mode,
		CommandOrType: req.Command,
		Targets:       req.Targets,
		DryRun:        req.DryRun,
		CreatedAt:     time.Now().UTC(),
	}

	if req.DryRun {
		return &BulkResult{Job: job, Rows: map[string]*types.FcmDispatch{}, Errors: map[string]error{}}, nil
	}

	if err := d.store.CreateRemoteExecJob(job); err != nil {
		return nil, errs.Wrap(errs.KindDependency, "failed to persist remote_exec job", err)
	}

	action := req.Command
	if req.Mode == RemoteExecModeShell {
		action = "remote_exec"
	}

	params := map[string]string{}
	for k, v := range req.Params {
		params[k] = v
	}
	if req.Mode == RemoteExecModeShell {
		params["command"] = req.Command
		params["exec_id"] = req.ExecID
	}

	rows := make(map[string]*types.FcmDispatch, len(req.Targets))
	errsByDevice := make(map[string]error)

	for _, deviceID := range req.Targets {
		row, err := d.Dispatch(ctx, Request{
			RequestID: fmt.Sprintf("%s-%s", req.ExecID, deviceID),
			DeviceID:  deviceID,
			FCMToken:  req.FCMToken[deviceID],
			Action:    action,
			Params:    params,
			BulkID:    req.ExecID,
		})
		if err != nil {
			errsByDevice[deviceID] = err
			_ = d.store.IncrRemoteExecJobCounters(req.ExecID, 0, 1)
			continue
		}
		rows[deviceID] = row
	}

	return &BulkResult{Job: job, Rows: rows, Errors: errsByDevice}, nil
}
