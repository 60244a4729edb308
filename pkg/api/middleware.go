package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/security"
	"github.com/nexmdm/nexmdm/pkg/storage"
)

// maxBodyBytes is the request body ceiling from spec.md §6. A request
// whose Content-Length exceeds it is rejected with 413 before a handler
// runs; a body without a declared length is cut off at the ceiling, and
// the handler's decode of it then fails.
const maxBodyBytes = 1 << 20

// requestID stamps every request with an X-Request-ID (generated if the
// caller didn't supply one) and attaches a request-scoped logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// limitBody enforces the 1 MiB request-body ceiling.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Detail: "request body too large"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// recoverPanic converts a handler panic into a 500 instead of tearing
// down the whole server, logging it as a failed-request event.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithRequestID(requestIDFromContext(r.Context())).Error().
					Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, errs.New(errs.KindDependency, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request with status and latency.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.APIRequestsTotal.WithLabelValues(r.URL.Path, itoa(sw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		log.WithRequestID(requestIDFromContext(r.Context())).Info().
			Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", sw.status).Dur("latency", time.Since(start)).Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func itoa(n int) string {
	if n >= 100 && n < 1000 {
		return string([]byte{byte('0' + n/100), byte('0' + (n/10)%10), byte('0' + n%10)})
	}
	return "unknown"
}

// deviceAuth resolves the bearer token on every device-protocol
// request to the Device it identifies, rejecting a revoked device with
// 410 and any other failure with 401. An admin-scoped token is
// rejected the same as a bad one — device and admin bearer spaces
// never overlap (spec.md §4.7).
func deviceAuth(store storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := bearerToken(r)
			if secret == "" {
				writeError(w, errs.New(errs.KindAuth, "missing bearer token"))
				return
			}
			tokenID := security.TokenFingerprint(secret)
			device, err := store.GetDeviceByTokenID(tokenID)
			if err != nil {
				writeError(w, errs.Wrap(errs.KindDependency, "device lookup failed", err))
				return
			}
			if device == nil || !security.VerifyToken(secret, device.TokenHash) {
				writeError(w, errs.New(errs.KindAuth, "invalid device token"))
				return
			}
			if device.Deleted() {
				writeError(w, errs.New(errs.KindAuth, "device_deleted"))
				return
			}
			next.ServeHTTP(w, r.WithContext(withDevice(r.Context(), device)))
		})
	}
}

// AdminAuthenticator verifies the admin protocol's two accepted
// credential forms: a static admin key, or a signed JWT user token
// (recovered from the original admin UI's session-token model; C9
// verifies tokens issued elsewhere, it does not issue them itself).
type AdminAuthenticator struct {
	AdminKey     string
	JWTPublicKey interface{} // *rsa.PublicKey or []byte (HMAC), passed to jwt.Parse's keyfunc
}

func (a *AdminAuthenticator) middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, errs.New(errs.KindAuth, "missing admin credential"))
				return
			}
			if a.AdminKey != "" && constantTimeEqual(token, a.AdminKey) {
				next.ServeHTTP(w, r)
				return
			}
			if a.JWTPublicKey != nil {
				if _, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
					return a.JWTPublicKey, nil
				}); err == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, errs.New(errs.KindAuth, "invalid admin credential"))
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return security.VerifyToken(a, security.HashToken(b))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is spec.md §6's `{detail: ...}` error response shape.
type errorEnvelope struct {
	Detail string `json:"detail"`
}

// writeError maps an errs.Kind to its HTTP status in one place and
// writes the {detail: ...} envelope — nothing about storage internals
// leaks past this boundary (spec.md §7).
func writeError(w http.ResponseWriter, err error) {
	e, _ := errs.As(err)
	message := "internal error"
	if e != nil {
		message = e.Message
	}

	status := http.StatusInternalServerError
	detail := "internal error"

	switch errs.KindOf(err) {
	case errs.KindValidation:
		status, detail = http.StatusUnprocessableEntity, message
	case errs.KindAuth:
		if message == "device_deleted" {
			status, detail = http.StatusGone, "device_deleted"
		} else {
			status, detail = http.StatusUnauthorized, "authentication failed"
		}
	case errs.KindAuthorization:
		status, detail = http.StatusForbidden, "not authorized"
	case errs.KindNotFound:
		status, detail = http.StatusNotFound, "not found"
	case errs.KindConflict:
		status, detail = http.StatusConflict, message
	case errs.KindRateLimit:
		status, detail = http.StatusTooManyRequests, "rate limited"
	case errs.KindLockContention:
		status, detail = http.StatusConflict, "resource busy"
	case errs.KindDependency:
		status, detail = http.StatusInternalServerError, "internal error"
	}

	writeJSON(w, status, errorEnvelope{Detail: detail})
}
