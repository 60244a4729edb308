// Package api implements C9, the Admin/Device HTTP API: the concrete
// binding of spec.md §6's routes to C1-C8.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nexmdm/nexmdm/pkg/ack"
	"github.com/nexmdm/nexmdm/pkg/alert"
	"github.com/nexmdm/nexmdm/pkg/dispatch"
	"github.com/nexmdm/nexmdm/pkg/ingest"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/partition"
	"github.com/nexmdm/nexmdm/pkg/reconciler"
	"github.com/nexmdm/nexmdm/pkg/registration"
	"github.com/nexmdm/nexmdm/pkg/storage"
)

// Deps collects every component C9 binds to routes. Only the fields a
// given deployment actually runs need be set; nil components simply
// have their routes omitted (e.g. a read replica with no dispatcher).
type Deps struct {
	Store        storage.Store
	Ingestor     *ingest.Ingestor
	Dispatcher   *dispatch.Dispatcher
	AckReceiver  *ack.Receiver
	Registration *registration.Gate
	Evaluator    *alert.Evaluator
	Partitions   *partition.Manager
	Reconciler   *reconciler.Reconciler
	Admin        AdminAuthenticator
}

// commandActions enumerates the fixed POST /commands/{action} set from
// spec.md §6.
var commandActions = []string{"ping", "ring", "launch_app", "reboot", "restart_app", "wifi_connect"}

// Server holds no state of its own beyond what NewRouter closes over;
// its methods are handler factories grouped for readability.
type Server struct{}

// NewRouter builds the full chi router: health/ready are
// unauthenticated, device routes require a device bearer token, admin
// routes and /metrics require an admin key or signed JWT.
func NewRouter(deps Deps) http.Handler {
	s := &Server{}
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(recoverPanic)
	r.Use(accessLog)
	r.Use(limitBody)
	r.Use(middleware.StripSlashes)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady(deps.Store))

	if deps.Registration != nil {
		// /register sits behind the admin authenticator, which accepts
		// only the admin key or a signed JWT; an enrollment token is not
		// accepted as the bearer credential. An X-Enrollment-Token-ID
		// header on an authenticated request makes the gate consume
		// that token as well.
		r.With(deps.Admin.middleware()).Post("/register", s.handleRegister(deps.Registration))
	}

	if deps.Ingestor != nil || deps.AckReceiver != nil {
		r.Group(func(r chi.Router) {
			r.Use(deviceAuth(deps.Store))
			if deps.Ingestor != nil {
				r.Post("/heartbeat", s.handleHeartbeat(deps.Ingestor))
			}
			if deps.AckReceiver != nil {
				r.Post("/action-result", s.handleActionResult(deps.AckReceiver))
				r.Post("/remote-exec/ack", s.handleRemoteExecAck(deps.AckReceiver))
			}
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{AllowedMethods: []string{"GET", "POST"}}))
		r.Use(deps.Admin.middleware())

		r.Handle("/metrics", metrics.Handler())
		if deps.Dispatcher != nil {
			for _, action := range commandActions {
				r.Post("/commands/"+action, s.handleCommand(deps.Dispatcher, deps.Store, action))
			}
			r.Post("/remote-exec", s.handleRemoteExec(deps.Dispatcher, deps.Store))
			r.Get("/remote-exec/{id}", s.handleRemoteExecStatus(deps.Store))
		}
		if deps.Partitions != nil {
			r.Post("/ops/nightly", s.handleOpsNightly(deps.Partitions))
		}
		if deps.Reconciler != nil {
			r.Post("/ops/reconcile", s.handleOpsReconcile(deps.Reconciler))
		}
	})

	return r
}
