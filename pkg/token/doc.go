// Package token decodes compact JWT bearer tokens on the client side.
//
// A client holding a bearer token needs to know two things about it: when
// it expires, and whether it was issued for this application. This package
// answers both without verifying the signature, which stays the job of
// the server that receives the token.
//
// # Parsing
//
// Parse never fails loudly. Anything that is not three dot-separated
// segments with a base64url JSON object in the middle yields nil, and nil
// behaves like "no token" everywhere:
//
//	tok := token.Parse(raw)
//	if tok == nil {
//	    // malformed, treat as logged out
//	}
//
// Use Decode when the reason matters, for example in logs:
//
//	tok, err := token.Decode(raw)
//	if errors.Is(err, token.ErrMalformed) {
//	    log.Printf("dropping stored token: %v", err)
//	}
//
// # Validity
//
// IsValid combines an expiry check and an audience check:
//
//	if tok.IsValid(time.Now(), []string{"app.example.com"}) {
//	    // exp is in the future and aud names this application
//	}
//
// The expiry window is strict: a token whose exp equals the current second
// is already expired. An empty audience set fails closed. Callers that need
// to tell an expired token from one issued for someone else use Expired
// and AudienceMatches directly.
package token
