package auth

import (
	"context"
	"net/http"
)

const (
	HeaderAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
)

// RequestFunc performs a request, typically http.Client.Do or a
// RoundTripper's RoundTrip.
type RequestFunc func(*http.Request) (*http.Response, error)

type ctxKey int

const noAuthKey ctxKey = iota

// WithoutAuthentication marks requests made with ctx as unsigned.
func WithoutAuthentication(ctx context.Context) context.Context {
	return context.WithValue(ctx, noAuthKey, true)
}

func authenticationDisabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(noAuthKey).(bool)
	return disabled
}

// SignRequest sets the Authorization header on req from the current
// token and hands it to perform. The header is left untouched when the
// request context carries WithoutAuthentication or no token is held.
//
// The token is not checked for validity; the server decides.
func (s *State) SignRequest(perform RequestFunc, req *http.Request) (*http.Response, error) {
	if !authenticationDisabled(req.Context()) {
		if tok := s.Token(); tok != nil {
			req.Header.Set(HeaderAuthorization, bearerPrefix+tok.Source())
		}
	}
	return perform(req)
}

// Transport signs every request it carries. Base defaults to
// http.DefaultTransport.
type Transport struct {
	State *State
	Base  http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	// RoundTrippers must not modify the caller's request
	return t.State.SignRequest(base.RoundTrip, req.Clone(req.Context()))
}
