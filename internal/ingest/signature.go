package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeader carries "sha256=<hex hmac of the raw body>".
const SignatureHeader = "X-Ledger-Signature"

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC signature header value against body.
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}

// authenticate accepts either a body signature or, for senders that can only
// attach a static header, the shared secret as a bearer token.
func authenticate(r *http.Request, body []byte, secret string) bool {
	if sig := r.Header.Get(SignatureHeader); sig != "" {
		return VerifySignature(body, sig, secret)
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
