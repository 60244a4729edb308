/*
Package alert implements C6: a periodic batched scan that evaluates
offline, low_battery, unity_down, and service_down per device and
writes AlertState transitions with hysteresis.

Tick loads the fleet and batch-fetches AlertState/DeviceLastStatus (and
the latest two heartbeats of the last 30 minutes) once per pass (not
per device), then runs each condition's sample against the current
AlertState through applyTransition, the shared ok<->raised state
machine: a violated sample raises when no cooldown is active; for
unity_down with UnityDownRequireTwo set, the sample counts as violated
only when both of those heartbeats report unity_running=false. A
cleared sample recovers a raised state immediately. A state is
persisted only when a stored field differs from the current row (an
unchanged sample writes nothing), and only a genuine ok->raised or
raised->ok transition publishes an alert.raised/alert.recovered event.

The evaluator never touches heartbeats or DeviceLastStatus; it is a
pure reader of both and the exclusive writer of AlertState.
*/
package alert
