// Package alert implements C6, the alert evaluator: a periodic
// batched scan computing per-device alert conditions with hysteresis
// and idempotent, convergent state transitions. It is a pure reader of
// heartbeats/last-status and the exclusive writer of AlertState.
package alert

import (
	"strconv"
	"time"

	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the tunables from spec.md §4.6.
type Config struct {
	TickInterval        time.Duration
	HeartbeatInterval   time.Duration // drives the offline threshold (3x this)
	LowBatteryPct       int
	UnityDownRequireTwo bool
	Cooldown            time.Duration
}

// Evaluator runs the periodic alert scan.
type Evaluator struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates an Evaluator.
func New(store storage.Store, broker *events.Broker, cfg Config) *Evaluator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 600 * time.Second
	}
	if cfg.LowBatteryPct <= 0 {
		cfg.LowBatteryPct = 15
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Evaluator{
		store: store, broker: broker, cfg: cfg,
		logger: log.WithComponent("alert"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the tick loop in a background goroutine.
func (e *Evaluator) Start() { go e.run() }

// Stop ends the tick loop.
func (e *Evaluator) Stop() { close(e.stopCh) }

func (e *Evaluator) run() {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	e.logger.Info().Dur("interval", e.cfg.TickInterval).Msg("alert evaluator started")
	for {
		select {
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error().Interface("panic", r).Msg("alert evaluation tick panicked, continuing")
					}
				}()
				if err := e.Tick(); err != nil {
					e.logger.Error().Err(err).Msg("alert evaluation tick failed")
				}
			}()
		case <-e.stopCh:
			e.logger.Info().Msg("alert evaluator stopped")
			return
		}
	}
}

// Tick performs one batched evaluation pass over the fleet.
func (e *Evaluator) Tick() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.AlertTickDuration)
		metrics.AlertTicksTotal.Inc()
	}()

	devices, err := e.store.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	deviceIDs := make([]string, len(devices))
	byID := make(map[string]*types.Device, len(devices))
	for i, d := range devices {
		deviceIDs[i] = d.DeviceID
		byID[d.DeviceID] = d
	}

	states, err := e.store.BatchGetAlertStates(deviceIDs)
	if err != nil {
		return err
	}
	lastStatuses, err := e.store.BatchGetLastStatus(deviceIDs)
	if err != nil {
		return err
	}
	recentHeartbeats, err := e.store.BatchLatestHeartbeats(deviceIDs, 2, 30*time.Minute)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, deviceID := range deviceIDs {
		device := byID[deviceID]
		status := lastStatuses[deviceID]
		deviceStates := states[deviceID]

		e.evaluateDevice(device, status, deviceStates, recentHeartbeats[deviceID], now)
	}

	return nil
}

func (e *Evaluator) evaluateDevice(device *types.Device, status *types.DeviceLastStatus, states map[types.AlertCondition]*types.AlertState, recentHeartbeats []*types.DeviceHeartbeat, now time.Time) {
	if status == nil {
		// Never seen a heartbeat: no condition is evaluable.
		return
	}

	e.evaluateOffline(device, status, states[types.AlertOffline], now)
	e.evaluateLowBattery(device, status, states[types.AlertLowBattery], now)
	e.evaluateUnityDown(device, status, recentHeartbeats, states[types.AlertUnityDown], now)
	e.evaluateServiceDown(device, status, states[types.AlertServiceDown], now)
}

// outcome of a single-condition evaluation: whether the condition
// currently holds, whether it's indeterminate (neither raises nor
// recovers), and a human-readable value for AlertState.LastValue.
type sample struct {
	violated bool
	unknown  bool
	value    string
}

func (e *Evaluator) evaluateOffline(device *types.Device, status *types.DeviceLastStatus, cur *types.AlertState, now time.Time) {
	threshold := 3 * e.cfg.HeartbeatInterval
	age := now.Sub(status.LastTs)
	s := sample{violated: age > threshold, value: age.Round(time.Second).String()}
	e.applyTransition(device.DeviceID, types.AlertOffline, cur, s, now)
}

func (e *Evaluator) evaluateLowBattery(device *types.Device, status *types.DeviceLastStatus, cur *types.AlertState, now time.Time) {
	s := sample{violated: status.BatteryPct < e.cfg.LowBatteryPct, value: itoa(status.BatteryPct)}
	e.applyTransition(device.DeviceID, types.AlertLowBattery, cur, s, now)
}

func (e *Evaluator) evaluateUnityDown(device *types.Device, status *types.DeviceLastStatus, recent []*types.DeviceHeartbeat, cur *types.AlertState, now time.Time) {
	if status.UnityRunning == nil {
		e.applyTransition(device.DeviceID, types.AlertUnityDown, cur, sample{unknown: true}, now)
		return
	}

	violated := !*status.UnityRunning
	if e.cfg.UnityDownRequireTwo {
		violated = unityDownTwoConsecutive(recent)
	}
	s := sample{violated: violated, value: boolStr(*status.UnityRunning)}
	e.applyTransition(device.DeviceID, types.AlertUnityDown, cur, s, now)
}

// unityDownTwoConsecutive reports whether the latest two heartbeats in
// the lookback window (spec.md §4.6 step 3) both carry
// unity_running=false. Fewer than two recent heartbeats can't satisfy
// "two consecutive", so a device with sparse history never raises
// under this rule — it simply waits for its next heartbeat.
func unityDownTwoConsecutive(recent []*types.DeviceHeartbeat) bool {
	if len(recent) < 2 {
		return false
	}
	for _, hb := range recent[:2] {
		if hb.UnityRunning == nil || *hb.UnityRunning {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateServiceDown(device *types.Device, status *types.DeviceLastStatus, cur *types.AlertState, now time.Time) {
	if !device.MonitorEnabled || status.ServiceUp == nil {
		e.applyTransition(device.DeviceID, types.AlertServiceDown, cur, sample{unknown: true}, now)
		return
	}
	s := sample{violated: !*status.ServiceUp, value: boolStr(*status.ServiceUp)}
	e.applyTransition(device.DeviceID, types.AlertServiceDown, cur, s, now)
}

// applyTransition runs the hysteresis state machine for one
// (device, condition) pair and persists/emits iff something changed.
func (e *Evaluator) applyTransition(deviceID string, cond types.AlertCondition, cur *types.AlertState, s sample, now time.Time) {
	if s.unknown {
		return
	}

	next := cur
	if next == nil {
		next = &types.AlertState{DeviceID: deviceID, Condition: cond, State: types.AlertStateOK}
	} else {
		// Operate on a copy; the caller's map entry isn't aliased mutably.
		copied := *next
		next = &copied
	}
	next.LastValue = s.value

	wasRaised := next.State == types.AlertStateRaised

	if !s.violated {
		next.ConsecutiveViolations = 0
		if wasRaised {
			next.State = types.AlertStateOK
			next.LastRecoveredAt = timePtr(now)
			e.write(cur, next, cond, "recover", now)
			return
		}
		e.write(cur, next, cond, "", now)
		return
	}

	if wasRaised {
		// Already raised: nothing further to accumulate — only
		// LastValue tracks the live sample.
		e.write(cur, next, cond, "", now)
		return
	}

	next.ConsecutiveViolations++

	if next.CooldownUntil != nil && now.Before(*next.CooldownUntil) {
		e.write(cur, next, cond, "", now)
		return
	}

	next.State = types.AlertStateRaised
	next.LastRaisedAt = timePtr(now)
	next.CooldownUntil = timePtr(now.Add(e.cfg.Cooldown))
	e.write(cur, next, cond, "raise", now)
}

// write persists next iff it differs from cur (cur == nil always
// persists, giving a device its first-ever AlertState row) and emits a
// transition event only for a genuine ok<->raised crossing.
func (e *Evaluator) write(cur, next *types.AlertState, cond types.AlertCondition, transition string, now time.Time) {
	if !alertStateChanged(cur, next) {
		return
	}
	if err := e.store.UpsertAlertState(next); err != nil {
		e.logger.Error().Err(err).Str("device_id", next.DeviceID).Str("condition", string(cond)).Msg("failed to persist alert state")
		return
	}
	if transition == "" {
		return
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(cond), transition).Inc()

	eventType := events.EventAlertRaised
	if transition == "recover" {
		eventType = events.EventAlertRecovered
	}
	e.broker.Publish(&events.Event{
		Type:      eventType,
		Timestamp: now,
		DeviceID:  next.DeviceID,
		Metadata: map[string]string{
			"condition": string(cond),
			"value":     next.LastValue,
		},
	})
}

// alertStateChanged reports whether next differs from cur in any field
// that matters to a reader — a nil cur is always a change, so every
// (device, condition) pair gets its first row on its first evaluated
// tick even when the condition has never been violated.
func alertStateChanged(cur, next *types.AlertState) bool {
	if cur == nil {
		return true
	}
	return cur.State != next.State ||
		cur.ConsecutiveViolations != next.ConsecutiveViolations ||
		cur.LastValue != next.LastValue ||
		!timesEqual(cur.CooldownUntil, next.CooldownUntil) ||
		!timesEqual(cur.LastRaisedAt, next.LastRaisedAt) ||
		!timesEqual(cur.LastRecoveredAt, next.LastRecoveredAt)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func timePtr(t time.Time) *time.Time { return &t }

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
