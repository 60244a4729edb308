/*
Package dispatch implements C4, command dispatch to devices.

Dispatch handles a single-device command: it signs the payload with
security.CommandSigner, persists the FcmDispatch ledger row before
calling the PushProvider (so a crash between the two leaves a row C5
can still resolve), then records the provider outcome. A second call
with the same RequestID short-circuits to the stored row — durable,
store-backed idempotency — and concurrent in-process callers for the
same RequestID collapse through a singleflight.Group first, so the
store only ever sees one CreateDispatchIfAbsent race per request, not N.

DispatchBulk implements remote_exec: it creates a RemoteExecJob and
fans out to Dispatch per target device, keyed by
"<exec_id>-<device_id>" so a retried bulk call doesn't re-push to
devices that already got it. Shell-mode commands are checked against a
ShellAllowList before the job is created at all.

# Usage

	signer, err := security.NewCommandSigner(hmacSecret)
	d := dispatch.New(store, signer, dispatch.NewHTTPPushProvider(pushURL, 0), dispatch.NewShellAllowList(bloatwarePkgs))
	row, err := d.Dispatch(ctx, dispatch.Request{DeviceID: id, FCMToken: tok, Action: "ping"})
*/
package dispatch
