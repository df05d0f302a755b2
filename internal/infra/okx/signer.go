package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

const (
	verifyMethod = "GET"
	verifyPath   = "/users/self/verify"
)

// Credentials are the account keys used to authenticate a session.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Present reports whether all three fields are set.
func (c Credentials) Present() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

// Signer handles OKX v5 authentication signatures
type Signer struct {
	creds Credentials
	now   func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(creds Credentials) *Signer {
	return &Signer{creds: creds, now: time.Now}
}

// Sign returns base64(HMAC-SHA256(secret, timestamp + method + path + body)).
// The same scheme signs REST requests and the WebSocket login.
func (s *Signer) Sign(timestamp, method, path, body string) string {
	return computeHmacSha256(timestamp+method+path+body, s.creds.SecretKey)
}

// LoginArgs builds the argument of a WebSocket login request.
// OKX expects the timestamp in Unix seconds.
func (s *Signer) LoginArgs() loginArg {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	return loginArg{
		APIKey:     s.creds.APIKey,
		Passphrase: s.creds.Passphrase,
		Timestamp:  ts,
		Sign:       s.Sign(ts, verifyMethod, verifyPath, ""),
	}
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
