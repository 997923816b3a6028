// Package issuer is the HTTP client for the server that hands out tokens.
//
// Three POST endpoints are used, relative to the configured URL:
//
//	/api/login     form email+password, APP_KEY header, sent unsigned
//	/api/refresh   empty body, signed with the current token
//	/api/logout    empty body, signed with the current token
//
// Login and refresh answer {"data":{"jwt":"<token>"}}. Failures are
// reported as ErrTokenRequest (the request failed or was refused) or
// ErrTokenResponse (the answer held no usable token).
//
// The client does not sign anything itself. Pass an auth.Transport so
// refresh and logout carry the bearer token:
//
//	c := issuer.New(cfg, &auth.Transport{State: state}, logger)
//	raw, err := c.Login(ctx, issuer.Credentials{Email: e, Password: p})
//
// *Client implements refresh.Refresher.
package issuer
