package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nexmdm/nexmdm/pkg/dispatch"
	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/partition"
	"github.com/nexmdm/nexmdm/pkg/reconciler"
	"github.com/nexmdm/nexmdm/pkg/storage"
)

// commandRequest is the shared body shape for every POST /commands/*
// route — the action name comes from the route itself.
type commandRequest struct {
	DeviceID string            `json:"device_id"`
	Params   map[string]string `json:"params,omitempty"`
}

type commandResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// handleCommand builds the POST /commands/{action} handler for one
// fixed action name (ping, ring, launch_app, reboot, restart_app,
// wifi_connect — spec.md §6).
func (s *Server) handleCommand(d *dispatch.Dispatcher, store storage.Store, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body commandRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body"))
			return
		}
		if body.DeviceID == "" {
			writeError(w, errs.New(errs.KindValidation, "device_id is required"))
			return
		}

		device, err := store.GetDevice(body.DeviceID)
		if err != nil {
			writeError(w, errs.Wrap(errs.KindDependency, "device lookup failed", err))
			return
		}
		if device == nil {
			writeError(w, errs.New(errs.KindNotFound, "unknown device_id"))
			return
		}

		row, err := d.Dispatch(r.Context(), dispatch.Request{
			DeviceID: device.DeviceID,
			FCMToken: device.FCMToken,
			Action:   action,
			Params:   body.Params,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{RequestID: row.RequestID, Status: string(row.FcmStatus)})
	}
}

type remoteExecRequest struct {
	Mode    string            `json:"mode"`
	Targets []string          `json:"targets"`
	Command string            `json:"command,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	DryRun  bool              `json:"dry_run,omitempty"`
}

type remoteExecResponse struct {
	ExecID string            `json:"exec_id"`
	Errors map[string]string `json:"errors,omitempty"`
}

// handleRemoteExec implements POST /remote-exec.
func (s *Server) handleRemoteExec(d *dispatch.Dispatcher, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body remoteExecRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body"))
			return
		}

		fcmTokens := make(map[string]string, len(body.Targets))
		for _, id := range body.Targets {
			device, err := store.GetDevice(id)
			if err != nil {
				writeError(w, errs.Wrap(errs.KindDependency, "device lookup failed", err))
				return
			}
			if device == nil {
				writeError(w, errs.New(errs.KindNotFound, "unknown target device_id: "+id))
				return
			}
			fcmTokens[id] = device.FCMToken
		}

		result, err := d.DispatchBulk(r.Context(), dispatch.BulkRequest{
			Mode:     body.Mode,
			Command:  body.Command,
			Params:   body.Payload,
			FCMToken: fcmTokens,
			Targets:  body.Targets,
			DryRun:   body.DryRun,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		errStrs := make(map[string]string, len(result.Errors))
		for deviceID, e := range result.Errors {
			errStrs[deviceID] = e.Error()
		}
		writeJSON(w, http.StatusOK, remoteExecResponse{ExecID: result.Job.ExecID, Errors: errStrs})
	}
}

type remoteExecStatusResponse struct {
	ExecID     string            `json:"exec_id"`
	Mode       string            `json:"mode"`
	AckedCount int64             `json:"acked_count"`
	ErrorCount int64             `json:"error_count"`
	Targets    int               `json:"target_count"`
	Results    map[string]string `json:"results"`
}

// handleRemoteExecStatus implements GET /remote-exec/{id}.
func (s *Server) handleRemoteExecStatus(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		execID := chi.URLParam(r, "id")
		job, err := store.GetRemoteExecJob(execID)
		if err != nil {
			writeError(w, errs.Wrap(errs.KindDependency, "job lookup failed", err))
			return
		}
		if job == nil {
			writeError(w, errs.New(errs.KindNotFound, "unknown exec_id"))
			return
		}

		results := make(map[string]string, len(job.Targets))
		for _, deviceID := range job.Targets {
			row, err := store.GetDispatch(execID + "-" + deviceID)
			if err != nil || row == nil {
				results[deviceID] = "unknown"
				continue
			}
			results[deviceID] = string(row.FcmStatus)
		}

		writeJSON(w, http.StatusOK, remoteExecStatusResponse{
			ExecID: job.ExecID, Mode: job.Mode,
			AckedCount: job.AckedCount, ErrorCount: job.ErrorCount,
			Targets: len(job.Targets), Results: results,
		})
	}
}

// handleOpsNightly implements POST /ops/nightly, triggering C2
// out-of-band of its own ticker.
func (s *Server) handleOpsNightly(mgr *partition.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.RunOnce(r.Context()); err != nil {
			writeError(w, errs.Wrap(errs.KindDependency, "nightly run failed", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// handleOpsReconcile implements POST /ops/reconcile, triggering C8
// out-of-band of its own ticker.
func (s *Server) handleOpsReconcile(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := rec.RunOnce()
		if err != nil {
			writeError(w, errs.Wrap(errs.KindDependency, "reconciliation run failed", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"scanned": result.Scanned, "fixed": result.Fixed, "skipped": result.Skipped,
		})
	}
}
