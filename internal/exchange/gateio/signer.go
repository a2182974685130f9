package gateio

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
)

// Signer produces Gate.io v4 API authentication headers.
// Signature string: METHOD \n PATH \n BODY \n TIMESTAMP, HMAC-SHA512 hex.
type Signer struct {
	key    string
	secret []byte
}

func NewSigner(key, secret string) *Signer {
	return &Signer{
		key:    key,
		secret: []byte(secret),
	}
}

// Sign returns the auth headers for a request at unix timestamp ts.
func (s *Signer) Sign(method, path, body string, ts int64) http.Header {
	timestamp := fmt.Sprintf("%d", ts)
	payload := method + "\n" + path + "\n" + body + "\n" + timestamp

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("KEY", s.key)
	h.Set("SIGN", sig)
	h.Set("Timestamp", timestamp)
	h.Set("Content-Type", "application/json")
	return h
}
