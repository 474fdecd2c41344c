// Package auth provides request authentication for Purple.
//
// Purple sits behind a gateway that performs the actual user login; by the
// time a request reaches this service, the gateway has established which
// pubkey it acts for. The gateway attests that identity per request with an
// HMAC over the pubkey and a timestamp, using a secret shared with this
// service. Development mode accepts a bare pubkey header instead.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrNoCredentials    = errors.New("auth: missing credentials")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrStaleTimestamp   = errors.New("auth: timestamp outside acceptance window")
)

// Request headers set by the gateway.
const (
	HeaderPubkey    = "X-Purple-Pubkey"
	HeaderTimestamp = "X-Purple-Timestamp"
	HeaderSignature = "X-Purple-Signature"
)

// Authenticator resolves a request to an authenticated pubkey.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// GatewayAuthenticator verifies the gateway's HMAC attestation. The
// signature is hex(HMAC-SHA256(secret, pubkey + ":" + timestamp)) and the
// timestamp must be within the acceptance window of the server clock.
type GatewayAuthenticator struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewGatewayAuthenticator creates an authenticator for the shared gateway
// secret with a 5 minute timestamp acceptance window.
func NewGatewayAuthenticator(secret string) *GatewayAuthenticator {
	return &GatewayAuthenticator{
		secret: []byte(secret),
		window: 5 * time.Minute,
		now:    time.Now,
	}
}

func (g *GatewayAuthenticator) Authenticate(r *http.Request) (string, error) {
	pubkey := r.Header.Get(HeaderPubkey)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)
	if pubkey == "" || timestamp == "" || signature == "" {
		return "", ErrNoCredentials
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrStaleTimestamp
	}
	age := g.now().Sub(time.Unix(ts, 0))
	if age > g.window || age < -g.window {
		return "", ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(pubkey + ":" + timestamp))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", ErrInvalidSignature
	}
	return pubkey, nil
}

// Sign computes the gateway signature for a pubkey and timestamp. Exposed
// for the gateway side and for tests.
func (g *GatewayAuthenticator) Sign(pubkey string, ts int64) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(pubkey + ":" + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// DevAuthenticator trusts the pubkey header without a signature.
// Development mode only.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(r *http.Request) (string, error) {
	pubkey := r.Header.Get(HeaderPubkey)
	if pubkey == "" {
		return "", ErrNoCredentials
	}
	return pubkey, nil
}
