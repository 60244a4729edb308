package security

import (
	"testing"
	"time"
)

func TestNewCommandSigner(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{name: "valid secret", secret: "super-secret", wantErr: false},
		{name: "empty secret", secret: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewCommandSigner(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCommandSigner() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && s == nil {
				t.Error("NewCommandSigner() returned nil without error")
			}
		})
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	s, err := NewCommandSigner("test-hmac-secret")
	if err != nil {
		t.Fatalf("NewCommandSigner() error = %v", err)
	}

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sig := s.Sign("req-1", "device-1", "ping", ts, nil)

	if sig == "" {
		t.Fatal("Sign() returned empty signature")
	}
	if !s.Verify("req-1", "device-1", "ping", ts, nil, sig) {
		t.Error("Verify() should accept its own signature")
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	s, _ := NewCommandSigner("test-hmac-secret")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sig := s.Sign("req-1", "device-1", "launch_app", ts, map[string]string{"package_name": "com.example.app"})

	if s.Verify("req-1", "device-1", "launch_app", ts, map[string]string{"package_name": "com.evil.app"}, sig) {
		t.Error("Verify() should reject a signature whose payload fields were tampered with")
	}
	if s.Verify("req-1", "device-1", "clear_app_data", ts, map[string]string{"package_name": "com.example.app"}, sig) {
		t.Error("Verify() should reject a signature whose action was tampered with")
	}
}

func TestSignIsDeterministicAndOrderIndependent(t *testing.T) {
	s, _ := NewCommandSigner("test-hmac-secret")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := s.Sign("req-1", "device-1", "remote_exec_shell", ts, map[string]string{"type": "clear_cache", "package_name": "com.example.app"})
	b := s.Sign("req-1", "device-1", "remote_exec_shell", ts, map[string]string{"package_name": "com.example.app", "type": "clear_cache"})

	if a != b {
		t.Error("Sign() should be independent of payload map iteration order")
	}
}

func TestGenerateDeviceSecret(t *testing.T) {
	a, err := GenerateDeviceSecret()
	if err != nil {
		t.Fatalf("GenerateDeviceSecret() error = %v", err)
	}
	b, err := GenerateDeviceSecret()
	if err != nil {
		t.Fatalf("GenerateDeviceSecret() error = %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("GenerateDeviceSecret() returned empty secret")
	}
	if a == b {
		t.Error("GenerateDeviceSecret() should not repeat")
	}
}

func TestHashAndVerifyToken(t *testing.T) {
	secret, err := GenerateDeviceSecret()
	if err != nil {
		t.Fatalf("GenerateDeviceSecret() error = %v", err)
	}
	hash := HashToken(secret)

	if !VerifyToken(secret, hash) {
		t.Error("VerifyToken() should accept the secret that produced the hash")
	}
	if VerifyToken("wrong-secret", hash) {
		t.Error("VerifyToken() should reject an unrelated secret")
	}
}

func TestTokenFingerprintStable(t *testing.T) {
	secret := "a-fixed-test-secret"
	fp1 := TokenFingerprint(secret)
	fp2 := TokenFingerprint(secret)

	if fp1 != fp2 {
		t.Error("TokenFingerprint() should be deterministic for the same secret")
	}
	if fp1 == TokenFingerprint("a-different-secret") {
		t.Error("TokenFingerprint() should differ for different secrets")
	}
}

func TestGenerateEnrollmentTokenID(t *testing.T) {
	a, err := GenerateEnrollmentTokenID()
	if err != nil {
		t.Fatalf("GenerateEnrollmentTokenID() error = %v", err)
	}
	b, err := GenerateEnrollmentTokenID()
	if err != nil {
		t.Fatalf("GenerateEnrollmentTokenID() error = %v", err)
	}
	if a == "" || a == b {
		t.Error("GenerateEnrollmentTokenID() should return unique, non-empty ids")
	}
}
