package okx

import (
	"testing"
	"time"
)

func TestSigner_LoginArgs(t *testing.T) {
	signer := NewSigner(Credentials{APIKey: "key", SecretKey: "secret", Passphrase: "pass"})
	signer.now = func() time.Time { return time.Unix(1538054050, 0) }

	args := signer.LoginArgs()

	if args.APIKey != "key" {
		t.Errorf("Expected apiKey to be 'key', got %s", args.APIKey)
	}
	if args.Passphrase != "pass" {
		t.Errorf("Expected passphrase to be 'pass', got %s", args.Passphrase)
	}
	if args.Timestamp != "1538054050" {
		t.Errorf("Expected timestamp 1538054050, got %s", args.Timestamp)
	}

	// Payload: "1538054050GET/users/self/verify"
	expected := computeHmacSha256("1538054050GET/users/self/verify", "secret")
	if args.Sign != expected {
		t.Errorf("Sign mismatch. Expected %s, got %s", expected, args.Sign)
	}
}

func TestComputeHmacSha256(t *testing.T) {
	// Standard HMAC-SHA256 Test Vector
	key := "key"
	data := "The quick brown fox jumps over the lazy dog"
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	// Hex: f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8
	// Base64: 97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg=

	expected := "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg="
	result := computeHmacSha256(data, key)

	if result != expected {
		t.Errorf("HMAC Mismatch. Expected %s, got %s", expected, result)
	}
}

func TestCredentials_Present(t *testing.T) {
	if (Credentials{APIKey: "k", SecretKey: "s"}).Present() {
		t.Error("Credentials without passphrase should not be present")
	}
	if !(Credentials{APIKey: "k", SecretKey: "s", Passphrase: "p"}).Present() {
		t.Error("Complete credentials should be present")
	}
}
