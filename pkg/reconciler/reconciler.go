// Package reconciler implements the C8 reconciliation job: an hourly,
// advisory-lock-guarded sweep that repairs DeviceLastStatus rows that
// drifted from the heartbeat history they're supposed to project.
package reconciler

import (
	"fmt"
	"time"

	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/rs/zerolog"
)

const advisoryLockName = "reconcile"

// lookbackDays bounds how many heartbeat partitions LatestHeartbeat
// opens per device before concluding there is no recent telemetry.
const lookbackDays = 14

// Reconciler runs the C8 drift-repair sweep. It holds no state between
// runs: every decision is re-derived from the store each cycle.
type Reconciler struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
	stopCh chan struct{}

	// MaxRows bounds how many devices are scanned in a single run
	// (drifted or not), matching the max_rows parameter in spec.md §4.8.
	MaxRows int

	// Interval between automatic runs. The /ops/reconcile endpoint can
	// also trigger a run out of band.
	Interval time.Duration

	// DryRun, when true, logs and counts what would be fixed without
	// writing anything.
	DryRun bool
}

// NewReconciler creates a reconciler with the spec defaults (hourly,
// max_rows=1000).
func NewReconciler(store storage.Store, broker *events.Broker) *Reconciler {
	return &Reconciler{
		store:    store,
		broker:   broker,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		MaxRows:  1000,
		Interval: time.Hour,
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.Interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// Result summarizes one reconciliation run, returned to the /ops/reconcile
// handler as well as logged.
type Result struct {
	Scanned int
	Fixed   int
	Skipped bool // true if L_reconcile was already held elsewhere
}

// RunOnce performs a single reconciliation pass under the L_reconcile
// advisory lock, per spec.md §4.8: scan up to MaxRows devices whose
// DeviceLastStatus is either missing or strictly older than the
// device's most recent heartbeat, and upsert the projection from that
// heartbeat. Safe to run concurrently with C3's heartbeat ingestion
// because the upsert itself is last-writer-wins by last_ts.
func (r *Reconciler) RunOnce() (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	unlock, ok, err := r.store.TryAdvisoryLock(advisoryLockName)
	if err != nil {
		return Result{}, fmt.Errorf("acquire L_reconcile: %w", err)
	}
	if !ok {
		metrics.AdvisoryLockSkippedTotal.WithLabelValues(advisoryLockName).Inc()
		r.logger.Debug().Msg("L_reconcile held elsewhere, skipping run")
		return Result{Skipped: true}, nil
	}
	defer unlock()

	devices, err := r.store.ListDevices()
	if err != nil {
		return Result{}, fmt.Errorf("list devices: %w", err)
	}

	res := Result{}
	for _, d := range devices {
		if res.Scanned >= r.MaxRows {
			break
		}
		res.Scanned++

		latest, err := r.store.LatestHeartbeat(d.DeviceID, lookbackDays)
		if err != nil {
			r.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("failed to read latest heartbeat")
			continue
		}
		if latest == nil {
			// No telemetry within the lookback window; nothing to
			// project from.
			continue
		}

		cur, err := r.store.GetLastStatus(d.DeviceID)
		if err != nil {
			r.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("failed to read last status")
			continue
		}

		if cur != nil && !cur.LastTs.Before(latest.Ts) {
			// Not drifted: cur.LastTs is at or after the latest
			// heartbeat, so the projection is already current.
			continue
		}

		var oldTs time.Time
		if cur != nil {
			oldTs = cur.LastTs
		}

		if r.DryRun {
			r.logger.Info().
				Str("device_id", d.DeviceID).
				Time("old_last_ts", oldTs).
				Time("new_last_ts", latest.Ts).
				Msg("dry run: would repair device_last_status")
			res.Fixed++
			continue
		}

		if err := r.store.RepairLastStatus(latest); err != nil {
			r.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("failed to repair device_last_status")
			continue
		}

		res.Fixed++
		metrics.ReconciliationRowsFixedTotal.Inc()
		r.logger.Info().
			Str("device_id", d.DeviceID).
			Time("old_last_ts", oldTs).
			Time("new_last_ts", latest.Ts).
			Msg("repaired device_last_status")

		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:      events.EventReconcileRowFixed,
				Timestamp: time.Now(),
				DeviceID:  d.DeviceID,
				Metadata: map[string]string{
					"old_last_ts": oldTs.Format(time.RFC3339),
					"new_last_ts": latest.Ts.Format(time.RFC3339),
				},
			})
		}
	}

	r.logger.Info().Int("scanned", res.Scanned).Int("fixed", res.Fixed).Msg("reconciliation cycle complete")
	return res, nil
}
