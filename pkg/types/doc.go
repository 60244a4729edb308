/*
Package types defines the core data structures shared across nexmdm.

This package contains every entity the control plane persists: devices,
heartbeats, the last-status projection, the FCM dispatch ledger, alert
state, enrollment tokens, and heartbeat partition metadata. All other
packages depend on types for wire and storage shapes; types depends on
nothing but the standard library.

# Core Types

Device identity and fleet membership:
  - Device: enrolled endpoint, bearer-secret hash, per-device monitoring overrides
  - EnrollmentToken: scoped, consumable token used to admit a new Device

Telemetry:
  - DeviceHeartbeat: one immutable telemetry sample in a daily partition
  - DeviceLastStatus: fast-read projection of the latest heartbeat

Commands:
  - FcmDispatch: durable at-most-once dispatch ledger row
  - RemoteExecJob: parent record grouping a bulk/remote-exec fan-out

Alerting:
  - AlertState: hysteresis record for one (device, condition) pair

Partition lifecycle:
  - HeartbeatPartition: metadata row tracking create/archive/drop state

All types are JSON-serializable and designed for embedded-KV storage:
each entity has a stable string key, and every mutable field group names
its exclusive writer in a doc comment at the point of declaration.
*/
package types
