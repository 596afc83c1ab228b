package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signed requests carry these headers.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-TIMESTAMP"
	HeaderSignature = "X-SIGNATURE"
)

// Signer produces HMAC-SHA256 request signatures over
// timestamp + method + requestPath [+ body].
type Signer struct {
	apiKey string
	secret []byte
	now    func() time.Time
}

// NewSigner accepts the secret either base64 encoded (any of the four
// alphabets) or raw.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: decodeSecret(secret), now: time.Now}
}

func decodeSecret(secret string) []byte {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	for _, dec := range decoders {
		if b, err := dec.DecodeString(secret); err == nil && len(b) > 0 {
			return b
		}
	}
	return []byte(secret)
}

// Sign computes the signature for one request at the given millisecond timestamp.
func (s *Signer) Sign(timestamp, method, path, body string) string {
	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Headers returns the auth headers for a request made now.
func (s *Signer) Headers(method, path, body string) map[string]string {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return map[string]string{
		HeaderAPIKey:    s.apiKey,
		HeaderTimestamp: ts,
		HeaderSignature: s.Sign(ts, method, path, body),
	}
}
