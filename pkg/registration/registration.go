// Package registration implements C7, the registration gate: a
// bounded-concurrency admission point for new devices.
package registration

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/security"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
	"golang.org/x/sync/semaphore"
)

// Gate admits new device registrations under a process-wide
// concurrency budget.
type Gate struct {
	store    storage.Store
	sem      *semaphore.Weighted
	defaults types.MonitoringDefaults
}

// New creates a Gate with capacity K (spec.md §4.7 default 15).
func New(store storage.Store, k int64, defaults types.MonitoringDefaults) *Gate {
	if k <= 0 {
		k = 15
	}
	return &Gate{store: store, sem: semaphore.NewWeighted(k), defaults: defaults}
}

// Request is one POST /register body.
type Request struct {
	Alias          string
	HardwareID     string
	EnrollmentTokenID string // set when auth was a scoped enrollment token, not an admin key
}

// Result is returned to the caller on success.
type Result struct {
	DeviceID     string
	DeviceToken  string
}

// Register admits the request through the semaphore, validates the
// alias, and atomically creates the Device row. Queue-wait (time spent
// acquiring the semaphore) and gate saturation are both observed as
// metrics.
func (g *Gate) Register(ctx context.Context, req Request) (*Result, error) {
	if l := len(req.Alias); l < 1 || l > 200 {
		return nil, errs.New(errs.KindValidation, "alias must be between 1 and 200 characters")
	}

	waitStart := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.KindRateLimit, "registration gate acquire canceled", err)
	}
	metrics.RegistrationQueueWait.Observe(time.Since(waitStart).Seconds())
	metrics.RegistrationActive.Inc()
	defer func() {
		metrics.RegistrationActive.Dec()
		g.sem.Release(1)
	}()

	if req.EnrollmentTokenID != "" {
		ok, err := g.store.ConsumeEnrollmentToken(req.EnrollmentTokenID)
		if err != nil {
			metrics.RegistrationsTotal.WithLabelValues("error").Inc()
			return nil, errs.Wrap(errs.KindDependency, "failed to consume enrollment token", err)
		}
		if !ok {
			metrics.RegistrationsTotal.WithLabelValues("token_rejected").Inc()
			return nil, errs.New(errs.KindAuth, "enrollment token is expired, revoked, or exhausted")
		}
	}

	secret, err := security.GenerateDeviceSecret()
	if err != nil {
		return nil, errs.Wrap(errs.KindDependency, "failed to generate device secret", err)
	}

	now := time.Now().UTC()
	device := &types.Device{
		DeviceID:              uuid.NewString(),
		Alias:                 req.Alias,
		HardwareID:            req.HardwareID,
		TokenHash:             security.HashToken(secret),
		TokenID:               security.TokenFingerprint(secret),
		MonitoredPackage:      g.defaults.Package,
		MonitoredAppName:      g.defaults.AppName,
		MonitoredThresholdMin: g.defaults.ThresholdMin,
		MonitorEnabled:        g.defaults.Enabled,
		MonitoringUseDefaults: true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	conflict, err := g.store.RegisterDevice(device)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, errs.Wrap(errs.KindDependency, "failed to register device", err)
	}
	if conflict {
		metrics.RegistrationsTotal.WithLabelValues("conflict").Inc()
		return nil, errs.New(errs.KindConflict, "alias already registered")
	}

	metrics.RegistrationsTotal.WithLabelValues("created").Inc()
	log.WithComponent("registration").Info().Str("device_id", device.DeviceID).Str("alias", req.Alias).Msg("device registered")

	return &Result{DeviceID: device.DeviceID, DeviceToken: secret}, nil
}
