package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nexmdm/nexmdm/pkg/ack"
	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/ingest"
	"github.com/nexmdm/nexmdm/pkg/registration"
	"github.com/nexmdm/nexmdm/pkg/types"
)

type registerRequest struct {
	Alias             string `json:"alias"`
	HardwareID        string `json:"hardware_id,omitempty"`
	EnrollmentTokenID string `json:"-"` // populated from auth, never from the body
}

type registerResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}

// handleRegister implements POST /register. The route is behind the
// admin authenticator, so the caller presents an admin key or signed
// JWT; an enrollment token is not accepted as the credential. The
// X-Enrollment-Token-ID header, when set, is passed to the gate, which
// consumes that token before creating the device.
func (s *Server) handleRegister(gate *registration.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body registerRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body"))
			return
		}
		body.EnrollmentTokenID = r.Header.Get("X-Enrollment-Token-ID")

		result, err := gate.Register(r.Context(), registration.Request{
			Alias:             body.Alias,
			HardwareID:        body.HardwareID,
			EnrollmentTokenID: body.EnrollmentTokenID,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, registerResponse{DeviceID: result.DeviceID, DeviceToken: result.DeviceToken})
	}
}

type heartbeatRequest struct {
	DeviceID                   string          `json:"device_id"`
	Ts                         time.Time       `json:"ts"`
	IP                         string          `json:"ip"`
	Status                     string          `json:"status"`
	BatteryPct                 int             `json:"battery_pct"`
	Plugged                    bool            `json:"plugged"`
	TempC                      float64         `json:"temp_c"`
	NetworkType                string          `json:"network_type"`
	SignalDBM                  int             `json:"signal_dbm"`
	UptimeS                    int64           `json:"uptime_s"`
	RAMUsedMB                  int64           `json:"ram_used_mb"`
	UnityPkgVersion            string          `json:"unity_pkg_version"`
	AgentVersion               string          `json:"agent_version"`
	MonitoredForegroundRecentS *int            `json:"monitored_foreground_recent_s"`
	AppVersions                map[string]struct {
		Installed bool `json:"installed"`
	} `json:"app_versions"`
}

// handleHeartbeat implements POST /heartbeat.
func (s *Server) handleHeartbeat(ing *ingest.Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body"))
			return
		}

		installed := make(map[string]bool, len(body.AppVersions))
		for pkg, v := range body.AppVersions {
			installed[pkg] = v.Installed
		}

		hb := &types.DeviceHeartbeat{
			DeviceID:                   body.DeviceID,
			Ts:                         body.Ts,
			IP:                         body.IP,
			Status:                     body.Status,
			BatteryPct:                 body.BatteryPct,
			Plugged:                    body.Plugged,
			TempC:                      body.TempC,
			NetworkType:                types.NetworkType(body.NetworkType),
			SignalDBM:                  body.SignalDBM,
			UptimeS:                    body.UptimeS,
			RAMUsedMB:                  body.RAMUsedMB,
			UnityPkgVersion:            body.UnityPkgVersion,
			AgentVersion:               body.AgentVersion,
			MonitoredForegroundRecentS: body.MonitoredForegroundRecentS,
			InstalledPackages:          installed,
		}

		secret := bearerToken(r)
		result, err := ing.Submit(secret, hb)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": result.OK})
	}
}

type actionResultRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// handleActionResult implements POST /action-result.
func (s *Server) handleActionResult(receiver *ack.Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body actionResultRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body"))
			return
		}
		device := deviceFromContext(r.Context())

		row, idempotent, err := receiver.Complete(ack.Request{
			RequestID:     body.RequestID,
			DeviceID:      device.DeviceID,
			Result:        body.Status,
			ResultMessage: firstNonEmpty(body.Message, body.Error, body.Output),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "request_id": row.RequestID, "idempotent": idempotent})
	}
}

type remoteExecAckRequest struct {
	ExecID        string `json:"exec_id"`
	DeviceID      string `json:"device_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
}

// handleRemoteExecAck implements POST /remote-exec/ack, the stricter
// form requiring the "<exec_id>-<device_id>" correlation_id binding
// (spec.md §6).
func (s *Server) handleRemoteExecAck(receiver *ack.Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body remoteExecAckRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body"))
			return
		}
		device := deviceFromContext(r.Context())

		expected := body.ExecID + "-" + body.DeviceID
		if body.CorrelationID != expected || body.DeviceID != device.DeviceID {
			writeError(w, errs.New(errs.KindValidation, "correlation_id does not match exec_id/device_id"))
			return
		}

		row, idempotent, err := receiver.Complete(ack.Request{
			RequestID:     expected,
			DeviceID:      device.DeviceID,
			Result:        body.Status,
			ResultMessage: firstNonEmpty(body.Error, body.Output),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "request_id": row.RequestID, "idempotent": idempotent})
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
