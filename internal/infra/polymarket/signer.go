package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Signer handles L2 (API key) authentication signatures for the CLOB
// REST endpoints and the user websocket channel.
type Signer struct {
	apiKey     string
	secret     string
	passphrase string
}

// NewSigner creates a new Signer instance.
func NewSigner(apiKey, secret, passphrase string) *Signer {
	return &Signer{
		apiKey:     apiKey,
		secret:     secret,
		passphrase: passphrase,
	}
}

// HasCredentials reports whether signing material is configured.
func (s *Signer) HasCredentials() bool {
	return s.apiKey != "" && s.secret != ""
}

// GenerateHeaders creates the auth headers for a request.
// method: GET, POST, etc.
// path: /order (no host, query included if present)
// body: json string (empty if none)
func (s *Signer) GenerateHeaders(method, path, body string) map[string]string {
	// Unix timestamp in seconds
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	// String to sign: timestamp + method + path + body
	payload := timestamp + method + path + body
	sign := computeHmacSha256(payload, s.secret)

	return map[string]string{
		"POLY-API-KEY":    s.apiKey,
		"POLY-SIGNATURE":  sign,
		"POLY-TIMESTAMP":  timestamp,
		"POLY-PASSPHRASE": s.passphrase,
		"Content-Type":    "application/json",
	}
}

// WSAuth is the auth block embedded in websocket subscribe messages.
type WSAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSAuth returns the credentials in websocket subscription form.
func (s *Signer) WSAuth() WSAuth {
	return WSAuth{APIKey: s.apiKey, Secret: s.secret, Passphrase: s.passphrase}
}

func computeHmacSha256(message string, secret string) string {
	// The venue issues the shared secret base64url-encoded.
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
