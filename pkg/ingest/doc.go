/*
Package ingest implements C3: the authenticated heartbeat ingestion
path. Submit does, in order:

 1. Authenticate the bearer secret (TokenFingerprint lookup + constant-time
    TokenHash compare); a revoked device surfaces as errs.KindAuth with
    Message "device_deleted" so C9 can map it to HTTP 410.
 2. Compute service_up and unity_running from the heartbeat's installed-
    package/foreground-recency fields against the device's effective
    monitoring settings (per-device, or process-wide MonitoringDefaults
    when MonitoringUseDefaults is set).
 3. Call storage.Store.InsertHeartbeatDedup, which performs the bucketed
    dedup insert and the DeviceLastStatus dual-write in one transaction.
 4. Publish async events (heartbeat.received, offline→online,
    battery thresholds, network-transport change, auto-relaunch queue)
    to the non-blocking event broker — never on the request's critical path.

# Usage

	ing := ingest.New(store, broker, 10, cfg.Monitoring)
	result, err := ing.Submit(bearerSecret, &hb)
*/
package ingest
