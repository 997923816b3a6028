package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned by Decode for anything that is not a
// three-segment token with a JSON object payload.
var ErrMalformed = errors.New("token malformed")

// NoExpiration is what ExpirationTime reports for an absent token or a
// token without a usable exp claim.
const NoExpiration int64 = -1

// Token is a decoded compact JWT. The signature is not verified: the
// client only needs the claims to decide when to use and refresh the
// token, the server remains the authority on its authenticity.
//
// A Token is immutable. A nil *Token stands for "no token" and every
// method is safe to call on it.
type Token struct {
	source   string
	payload  map[string]any
	exp      *float64
	audience jwt.ClaimStrings
}

// Parse decodes raw and returns nil when it is not well formed.
func Parse(raw string) *Token {
	t, err := Decode(raw)
	if err != nil {
		return nil
	}
	return t
}

// Decode is Parse for callers that want to know why a string was
// rejected. Every error wraps ErrMalformed.
func Decode(raw string) (*Token, error) {
	_, encClaims, _, err := validateStructure(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	claimsJSON, err := decodeSegment(encClaims)
	if err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(claimsJSON, &fields); err != nil {
		return nil, fmt.Errorf("%w: claims not a JSON object: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: claims not a JSON object", ErrMalformed)
	}

	payload := make(map[string]any, len(fields))
	if err := json.Unmarshal(claimsJSON, &payload); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}

	t := &Token{
		source:  raw,
		payload: payload,
	}
	t.exp = decodeExpiration(fields["exp"])
	t.audience = decodeAudience(fields["aud"])
	return t, nil
}

// exp is a NumericDate, which may carry a fraction. A claim of the wrong
// JSON type reads as missing.
func decodeExpiration(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var exp *float64
	if err := json.Unmarshal(raw, &exp); err != nil {
		return nil
	}
	return exp
}

func decodeAudience(raw json.RawMessage) jwt.ClaimStrings {
	if len(raw) == 0 {
		return nil
	}
	var aud jwt.ClaimStrings
	if err := json.Unmarshal(raw, &aud); err != nil {
		return nil
	}
	return aud
}

// Source returns the raw string the token was parsed from, or "" for a
// nil token.
func (t *Token) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// Payload returns a shallow copy of the decoded claims.
func (t *Token) Payload() map[string]any {
	if t == nil {
		return nil
	}
	return maps.Clone(t.payload)
}

func (t *Token) Claim(name string) (any, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.payload[name]
	return v, ok
}

func (t *Token) Subject() string {
	v, _ := t.Claim("sub")
	s, _ := v.(string)
	return s
}

func (t *Token) Audience() []string {
	if t == nil {
		return nil
	}
	return slices.Clone([]string(t.audience))
}

// ExpirationTime returns exp in whole unix seconds, rounded down and
// clamped to the int64 range, or NoExpiration.
func (t *Token) ExpirationTime() int64 {
	if t == nil || t.exp == nil {
		return NoExpiration
	}
	exp := math.Floor(*t.exp)
	switch {
	case exp >= math.MaxInt64:
		return math.MaxInt64
	case exp <= math.MinInt64:
		return math.MinInt64
	}
	return int64(exp)
}

// Expired reports whether exp is missing or not strictly after now.
func (t *Token) Expired(now time.Time) bool {
	if t == nil || t.exp == nil {
		return true
	}
	return *t.exp <= unixSeconds(now)
}

func unixSeconds(tm time.Time) float64 {
	return float64(tm.Unix()) + float64(tm.Nanosecond())/1e9
}

// AudienceMatches reports whether aud intersects audiences. An empty
// expected set never matches.
func (t *Token) AudienceMatches(audiences []string) bool {
	if t == nil || len(audiences) == 0 {
		return false
	}
	for _, aud := range t.audience {
		if slices.Contains(audiences, aud) {
			return true
		}
	}
	return false
}

// IsValid reports whether the token is unexpired at now and meant for one
// of audiences. Expiry and audience failures are deliberately not told
// apart here; use Expired and AudienceMatches for that.
func (t *Token) IsValid(now time.Time, audiences []string) bool {
	return !t.Expired(now) && t.AudienceMatches(audiences)
}

// Equal compares tokens by source string.
func (t *Token) Equal(other *Token) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.source == other.source
}

func validateStructure(tokenStr string) (
	header string,
	claims string,
	signature string,
	err error,
) {
	if tokenStr == "" {
		err = errors.New("empty token")
		return
	}
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		err = fmt.Errorf("JWT expected three parts, found %d", len(parts))
		return
	}
	header = parts[0]
	claims = parts[1]
	signature = parts[2]
	return
}

// decodeSegment accepts base64url with or without padding.
func decodeSegment(str string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(str, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %v", err)
	}
	return b, nil
}
