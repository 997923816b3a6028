package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/clock"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/storage"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/token"
)

// TokenKey is the storage key the raw token lives under.
const TokenKey = "access_token"

var ErrPersist = errors.New("failed to persist token")

// State holds the current bearer token of one context and keeps it in
// step with the storage channel it persists to.
type State struct {
	channel   storage.Channel
	audiences []string
	clock     clock.Clock
	log       *slog.Logger
	listeners listeners
	unwatch   func()

	mu    sync.RWMutex
	token *token.Token
}

// New loads whatever token the channel already holds and starts
// reconciling with changes made by other contexts.
func New(
	channel storage.Channel,
	audiences []string,
	clk clock.Clock,
	logger *slog.Logger,
) *State {
	if clk == nil {
		clk = clock.Real()
	}
	s := &State{
		channel:   channel,
		audiences: slices.Clone(audiences),
		clock:     clk,
		log:       logging.OrDefault(logger),
	}
	s.token = s.LoadToken()
	s.unwatch = channel.OnChange(s.reconcile)
	return s
}

// LoadToken reads and parses the stored token. It does not change the
// state's current token.
func (s *State) LoadToken() *token.Token {
	raw, ok, err := s.channel.Get(TokenKey)
	if err != nil {
		s.log.Error("auth: failed to load token", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	tok, err := token.Decode(raw)
	if err != nil {
		s.log.Warn("auth: ignoring stored token", "error", err)
		return nil
	}
	return tok
}

// UpdateToken replaces the current token with raw, persists it, then
// notifies TokenUpdated listeners. An empty or malformed raw clears the
// token and removes it from storage.
//
// If persisting fails the in-memory token is still replaced and
// listeners are still notified; the error is returned.
func (s *State) UpdateToken(raw string) error {
	tok := token.Parse(raw)

	s.mu.Lock()
	s.token = tok
	var err error
	if tok != nil {
		err = s.channel.Set(TokenKey, tok.Source())
	} else {
		err = s.channel.Remove(TokenKey)
	}
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPersist, err)
		s.log.Error("auth: token not persisted", "error", err)
	}
	s.listeners.emit()
	return err
}

// Clear logs the context out.
func (s *State) Clear() error {
	return s.UpdateToken("")
}

// Token returns the current token, or nil when none is held.
func (s *State) Token() *token.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *State) Audiences() []string {
	return slices.Clone(s.audiences)
}

// IsTokenValid reports whether the current token is unexpired and was
// issued for one of the state's audiences.
func (s *State) IsTokenValid() bool {
	return s.Token().IsValid(s.clock.Now(), s.audiences)
}

// ExpirationTime returns the current token's exp in unix seconds, or
// token.NoExpiration.
func (s *State) ExpirationTime() int64 {
	return s.Token().ExpirationTime()
}

// OnTokenUpdated registers handler for the TokenUpdated event, emitted
// after every UpdateToken and every reconciliation with another context.
func (s *State) OnTokenUpdated(handler func()) (unsubscribe func()) {
	return s.listeners.add(handler)
}

// Close stops reconciling with the channel. It does not close the
// channel.
func (s *State) Close() {
	s.unwatch()
}

func (s *State) reconcile(change storage.Change) {
	if change.Key != TokenKey {
		return
	}

	s.mu.Lock()
	s.token = s.LoadToken()
	s.mu.Unlock()

	s.log.Debug("auth: token changed in another context", "removed", change.Removed)
	s.listeners.emit()
}
