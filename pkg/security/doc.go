/*
Package security provides the cryptographic primitives for device
authentication and command integrity: bearer-secret hashing and
HMAC-SHA256 command signing.

# Command signing

CommandSigner signs every dispatched FCM command with HMAC-SHA256 over
a canonical message:

	{request_id}|{device_id}|{action}|{ts}[|k:v|...]

The optional "|k:v" suffix binds critical payload fields (e.g.
launch_app's package_name) into the signature so a tampered parameter
fails verification even if the base fields are untouched. Verification
uses crypto/hmac.Equal for constant-time comparison.

# Device and enrollment-token secrets

GenerateDeviceSecret produces the random bearer secret handed to a
device at registration; HashToken/VerifyToken store and check it as a
SHA-256 hash (never the secret itself). TokenFingerprint
derives the short, non-secret TokenID used for O(1) device lookup by
presented bearer token, avoiding a hash scan over every device.

# Usage

	signer, _ := security.NewCommandSigner(cfg.HMACSecret)
	sig := signer.Sign(reqID, deviceID, "ping", time.Now(), nil)

	secret, _ := security.GenerateDeviceSecret()
	device.TokenHash = security.HashToken(secret)
	device.TokenID = security.TokenFingerprint(secret)
*/
package security
