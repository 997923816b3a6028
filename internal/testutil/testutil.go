// Package testutil provides token minting and HTTP helpers for package tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	sharedSigningKey     *ecdsa.PrivateKey
	sharedSigningKeyOnce sync.Once
)

// SigningKey returns a cached ECDSA signing key for tests.
// This avoids the overhead of generating a new key for each test.
func SigningKey() *ecdsa.PrivateKey {
	sharedSigningKeyOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic("failed to generate shared signing key: " + err.Error())
		}
		sharedSigningKey = key
	})
	return sharedSigningKey
}

// Claims selects the registered claims of a minted token. Zero fields are
// left out of the token.
type Claims struct {
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// MintToken signs claims with the shared key and returns the compact token.
func MintToken(
	t testing.TB,
	c Claims,
) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:  c.Subject,
		Issuer:   "test.tokenkeeper.local",
		Audience: jwt.ClaimStrings(c.Audience),
	}
	if !c.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(c.ExpiresAt)
	}
	if !c.IssuedAt.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(c.IssuedAt)
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(SigningKey())
	if err != nil {
		t.Fatalf("failed to mint test token: %v", err)
	}
	return raw
}

// MintValid mints a token for audience expiring lifetime after now.
func MintValid(
	t testing.TB,
	now time.Time,
	audience string,
	lifetime time.Duration,
) string {
	t.Helper()
	return MintToken(t, Claims{
		Subject:   "alice",
		Audience:  []string{audience},
		ExpiresAt: now.Add(lifetime),
		IssuedAt:  now,
	})
}

// Eventually polls cond until it holds or timeout passes. Media that
// deliver changes on their own goroutines need it.
func Eventually(
	t testing.TB,
	timeout time.Duration,
	cond func() bool,
	msg string,
) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}
