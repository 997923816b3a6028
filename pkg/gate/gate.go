package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
)

const DefaultRedirectURL = "/"

var ErrInvalidToken = errors.New("invalid token")

// Validator reports whether the current token may be used. *auth.State
// implements it.
type Validator interface {
	IsTokenValid() bool
}

// Navigator moves the user to location, typically a login page.
type Navigator interface {
	Navigate(location string)
}

type NavigatorFunc func(location string)

func (f NavigatorFunc) Navigate(location string) { f(location) }

// Route describes an operation behind the gate.
type Route struct {
	Name               string
	NeedAuthentication bool
}

type Middleware struct {
	validator   Validator
	redirectURL string
	navigator   Navigator
	log         *slog.Logger
}

// New returns a gate that sends failures to redirectURL. A nil navigator
// only logs the redirect.
func New(
	validator Validator,
	redirectURL string,
	navigator Navigator,
	logger *slog.Logger,
) *Middleware {
	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}
	m := &Middleware{
		validator:   validator,
		redirectURL: redirectURL,
		navigator:   navigator,
		log:         logging.OrDefault(logger),
	}
	if m.navigator == nil {
		m.navigator = NavigatorFunc(func(location string) {
			m.log.Info("gate: redirect", "location", location)
		})
	}
	return m
}

func (m *Middleware) RedirectURL() string { return m.redirectURL }

// Run passes routes that need no authentication and routes entered with
// a valid token. A protected route entered with a done ctx fails with
// ctx.Err(); anything else fails with ErrInvalidToken.
func (m *Middleware) Run(ctx context.Context, route Route) error {
	if !route.NeedAuthentication {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.validator.IsTokenValid() {
		return nil
	}
	return fmt.Errorf("%w: route %q", ErrInvalidToken, route.Name)
}

// HandleError redirects when err is an ErrInvalidToken rejection, then
// returns err unchanged so callers can stop whatever they were doing.
// Other errors pass through without a redirect.
func (m *Middleware) HandleError(err error) error {
	if !errors.Is(err, ErrInvalidToken) {
		return err
	}
	m.log.Warn("gate: rejected", "error", err, "redirect", m.redirectURL)
	m.navigator.Navigate(m.redirectURL)
	return err
}

// Guard is Run with HandleError applied to its failure.
func (m *Middleware) Guard(ctx context.Context, route Route) error {
	if err := m.Run(ctx, route); err != nil {
		return m.HandleError(err)
	}
	return nil
}

// Protect answers requests with 303 See Other to the redirect URL while
// no valid token is held.
func (m *Middleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := Route{Name: r.URL.Path, NeedAuthentication: true}
		err := m.Run(r.Context(), route)
		switch {
		case errors.Is(err, ErrInvalidToken):
			m.log.Warn("gate: rejected request", "path", r.URL.Path, "error", err)
			http.Redirect(w, r, m.redirectURL, http.StatusSeeOther)
			return
		case err != nil:
			// the client went away
			return
		}
		next.ServeHTTP(w, r)
	})
}
