// Package gate blocks operations that need a valid token.
//
// Run is the bare check. Guard adds the failure path: the navigator is
// sent to the redirect URL before the error is returned, since the user
// is about to leave whatever page asked.
//
//	g := gate.New(state, "/login", nav, logger)
//	if err := g.Guard(ctx, gate.Route{Name: "settings", NeedAuthentication: true}); err != nil {
//	    return err // errors.Is(err, gate.ErrInvalidToken)
//	}
//
// Protect is the same gate for an http.Handler, answering 303 See Other.
package gate
