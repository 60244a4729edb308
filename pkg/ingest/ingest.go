// Package ingest implements C3, the heartbeat ingestor: device
// authentication, bucketed dedup insert, dual-write of
// DeviceLastStatus, derived-field computation, and async eventing.
package ingest

import (
	"strconv"
	"time"

	"github.com/nexmdm/nexmdm/pkg/errs"
	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/security"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
)

// Ingestor accepts device telemetry. Stateless between calls; every
// decision is re-derived from the store and the current heartbeat.
type Ingestor struct {
	store        storage.Store
	broker       *events.Broker
	bucketSeconds int
	defaults     types.MonitoringDefaults
}

// New creates an Ingestor. bucketSeconds is the dedup window width
// (spec.md §4.3 default 10s); defaults are the process-wide monitoring
// fallback settings used when a device has MonitoringUseDefaults=true.
func New(store storage.Store, broker *events.Broker, bucketSeconds int, defaults types.MonitoringDefaults) *Ingestor {
	return &Ingestor{store: store, broker: broker, bucketSeconds: bucketSeconds, defaults: defaults}
}

// Result is returned to the C9 handler for the {ok: true} response.
type Result struct {
	OK      bool
	Created bool
}

// Submit authenticates the device bearer secret and ingests one
// heartbeat. Returns *errs.Error with Kind in {Auth, Validation} on
// rejection; the device_deleted case is Kind=Auth with Message
// "device_deleted" so the C9 layer can map it to 410 specifically.
func (ing *Ingestor) Submit(bearerSecret string, hb *types.DeviceHeartbeat) (Result, error) {
	logger := log.WithDeviceID(hb.DeviceID)

	if hb.DeviceID == "" || hb.Ts.IsZero() {
		return Result{}, errs.New(errs.KindValidation, "device_id and ts are required")
	}

	device, err := ing.authenticate(bearerSecret)
	if err != nil {
		return Result{}, err
	}
	if device.DeviceID != hb.DeviceID {
		// The bearer secret identifies exactly one device; a mismatched
		// body device_id is rejected the same as any other auth failure,
		// no information leak about which field was wrong.
		return Result{}, errs.New(errs.KindAuth, "authentication failed")
	}

	prevStatus, _ := ing.store.GetLastStatus(device.DeviceID)

	settings := effectiveMonitoring(device, ing.defaults)
	hbCopy := *hb
	serviceUp := derive(hbCopy.InstalledPackages, settings.Package, hbCopy.MonitoredForegroundRecentS, settings.ThresholdMin)
	unityRunning := derive(hbCopy.InstalledPackages, types.UnityPackage, hbCopy.MonitoredForegroundRecentS, types.UnityThresholdMin)
	hbCopy.UnityRunning = unityRunning

	timer := metrics.NewTimer()
	created, err := ing.store.InsertHeartbeatDedup(&hbCopy, ing.bucketSeconds, storage.DerivedStatus{
		ServiceUp:             serviceUp,
		MonitoredPackage:      settings.Package,
		MonitoredThresholdMin: settings.ThresholdMin,
	})
	timer.ObserveDuration(metrics.HeartbeatIngestDuration)
	if err != nil {
		metrics.HeartbeatsReceivedTotal.WithLabelValues("error").Inc()
		return Result{}, errs.Wrap(errs.KindDependency, "failed to record heartbeat", err)
	}
	if created {
		metrics.HeartbeatsReceivedTotal.WithLabelValues("created").Inc()
	} else {
		metrics.HeartbeatsReceivedTotal.WithLabelValues("deduped").Inc()
	}

	ing.publishEvents(device, prevStatus, &hbCopy, serviceUp)

	if device.AutoRelaunchEnabled && settings.Package != "" {
		installed := hbCopy.InstalledPackages[settings.Package]
		if installed && serviceUp != nil && !*serviceUp {
			ing.broker.Publish(&events.Event{
				Type:      events.EventAutoRelaunchQueued,
				Timestamp: time.Now(),
				DeviceID:  device.DeviceID,
				Message:   "launch_app",
				Metadata:  map[string]string{"package_name": settings.Package},
			})
		}
	}

	logger.Debug().Bool("created", created).Msg("heartbeat ingested")
	return Result{OK: true, Created: created}, nil
}

func (ing *Ingestor) authenticate(bearerSecret string) (*types.Device, error) {
	if bearerSecret == "" {
		return nil, errs.New(errs.KindAuth, "missing bearer secret")
	}
	tokenID := security.TokenFingerprint(bearerSecret)
	device, err := ing.store.GetDeviceByTokenID(tokenID)
	if err != nil {
		return nil, errs.Wrap(errs.KindDependency, "lookup failed", err)
	}
	if device == nil || !security.VerifyToken(bearerSecret, device.TokenHash) {
		return nil, errs.New(errs.KindAuth, "authentication failed")
	}
	if device.Deleted() {
		return nil, errs.New(errs.KindAuth, "device_deleted")
	}
	return device, nil
}

type effectiveSettings struct {
	Package      string
	ThresholdMin int
}

func effectiveMonitoring(d *types.Device, defaults types.MonitoringDefaults) effectiveSettings {
	if !d.MonitoringUseDefaults {
		return effectiveSettings{Package: d.MonitoredPackage, ThresholdMin: d.MonitoredThresholdMin}
	}
	return effectiveSettings{Package: defaults.Package, ThresholdMin: defaults.ThresholdMin}
}

// derive applies the state table from spec.md §4.3 common to both
// service_up and unity_running: installed? / foreground_recent_s / threshold.
func derive(installed map[string]bool, pkg string, foregroundRecentS *int, thresholdMin int) *bool {
	if pkg == "" || !installed[pkg] {
		return nil
	}
	if foregroundRecentS == nil || *foregroundRecentS < 0 {
		return nil
	}
	up := *foregroundRecentS <= thresholdMin*60
	return &up
}

func (ing *Ingestor) publishEvents(device *types.Device, prev *types.DeviceLastStatus, hb *types.DeviceHeartbeat, serviceUp *bool) {
	now := time.Now()

	wasOffline := prev == nil
	if wasOffline {
		ing.broker.Publish(&events.Event{Type: events.EventDeviceOnline, Timestamp: now, DeviceID: device.DeviceID})
	}

	if hb.BatteryPct < 15 {
		level := events.EventBatteryLow
		if hb.BatteryPct < 5 {
			level = events.EventBatteryCritical
		}
		ing.broker.Publish(&events.Event{Type: level, Timestamp: now, DeviceID: device.DeviceID,
			Metadata: map[string]string{"battery_pct": strconv.Itoa(hb.BatteryPct)}})
	}

	if prev != nil && prev.NetworkType != hb.NetworkType {
		ing.broker.Publish(&events.Event{Type: events.EventNetworkChanged, Timestamp: now, DeviceID: device.DeviceID,
			Metadata: map[string]string{"from": string(prev.NetworkType), "to": string(hb.NetworkType)}})
	}

	ing.broker.Publish(&events.Event{Type: events.EventHeartbeatReceived, Timestamp: now, DeviceID: device.DeviceID})
}
