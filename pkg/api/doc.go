/*
Package api implements C9, the Admin/Device HTTP API — the concrete
binding of spec.md §6's routes to C1-C8.

NewRouter assembles a single github.com/go-chi/chi/v5 router with three
route groups, each behind its own middleware chain:

  - Health (GET /health, /ready): unauthenticated.
  - Device protocol (POST /heartbeat, /action-result, /remote-exec/ack):
    behind deviceAuth, which resolves the bearer token to a *types.Device
    via TokenFingerprint lookup and rejects a revoked device with 410.
  - Admin protocol (POST /commands/*, /remote-exec, /ops/*; GET
    /remote-exec/{id}, /metrics): behind AdminAuthenticator, which accepts either
    a static admin key or a github.com/golang-jwt/jwt/v4-verified signed
    token — C9 verifies admin tokens, it does not issue them.

Every handler is thin: decode the body, call one C3-C8 component
method, encode the response. writeError is the single point mapping an
errs.Kind to an HTTP status and the spec's `{detail: ...}` envelope, so
no component has to know its own HTTP status code.

requestID, recoverPanic, and accessLog wrap every route: X-Request-ID
generation (github.com/google/uuid) and a child zerolog.Logger live for
the request's duration, a panicking handler degrades to a 500 instead
of taking the process down, and every request is counted/timed into
the Prometheus catalog in pkg/metrics.
*/
package api
