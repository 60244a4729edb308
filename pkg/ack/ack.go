// Package ack implements C5, the device acknowledgement receiver: the
// write-once completion of an FcmDispatch row, with remote_exec job
// counter bookkeeping layered on top.
package ack

import (
	"time"

	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
)

// Receiver completes dispatches on behalf of the device that received
// them.
type Receiver struct {
	store storage.Store
}

// New creates a Receiver.
func New(store storage.Store) *Receiver {
	return &Receiver{store: store}
}

// Request is one /action-result or /remote-exec/ack body.
type Request struct {
	RequestID     string
	DeviceID      string // authenticated device, not trusted from the body
	Result        string // e.g. "ok", "error"
	ResultMessage string
}

// Complete resolves the dispatch named by RequestID and marks it
// completed exactly once, with its fcm_status set to completed or
// failed consistent with req.Result. A dispatch owned by a different
// device returns errs.KindAuthorization (HTTP 403); an unknown
// request_id returns errs.KindNotFound (HTTP 404). A second ack for an
// already-completed request is a no-op success, not an error — the
// device may retry its ack past a dropped response, reported back to
// the caller via the idempotent return value.
func (r *Receiver) Complete(req Request) (dispatchRow *types.FcmDispatch, idempotent bool, err error) {
	if req.RequestID == "" || req.DeviceID == "" {
		return nil, false, errs.New(errs.KindValidation, "request_id and device_id are required")
	}

	dispatch, err := r.store.GetDispatch(req.RequestID)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindDependency, "failed to load dispatch", err)
	}
	if dispatch == nil {
		return nil, false, errs.New(errs.KindNotFound, "unknown request_id")
	}
	if dispatch.DeviceID != req.DeviceID {
		return nil, false, errs.New(errs.KindAuthorization, "dispatch belongs to a different device")
	}

	isError := req.Result != "" && req.Result != "ok"
	status := types.FcmCompleted
	if isError {
		status = types.FcmFailed
	}

	now := time.Now().UTC()
	alreadyCompleted, err := r.store.CompleteDispatchOnce(req.RequestID, status, req.ResultMessage, now)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindDependency, "failed to complete dispatch", err)
	}

	logger := log.WithDeviceID(req.DeviceID)
	if alreadyCompleted {
		logger.Debug().Str("request_id", req.RequestID).Msg("ack for already-completed dispatch")
	} else {
		outcome := "ok"
		if isError {
			outcome = "error"
		}
		metrics.AcksTotal.WithLabelValues(outcome).Inc()
		logger.Debug().Str("request_id", req.RequestID).Str("action", dispatch.Action).Msg("dispatch acknowledged")

		if dispatch.BulkID != "" {
			ackedDelta, errorDelta := 1, 0
			if isError {
				ackedDelta, errorDelta = 0, 1
			}
			if err := r.store.IncrRemoteExecJobCounters(dispatch.BulkID, ackedDelta, errorDelta); err != nil {
				logger.Error().Err(err).Str("exec_id", dispatch.BulkID).Msg("failed to update remote_exec job counters")
			}
		}
	}

	dispatch.FcmStatus = status
	dispatch.Result = req.Result
	dispatch.ResultMessage = req.ResultMessage
	dispatch.CompletedAt = &now
	return dispatch, alreadyCompleted, nil
}
