package session

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/clock"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/auth"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/gate"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuer"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/refresh"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/storage"
)

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	navigator gate.Navigator
	transport http.RoundTripper
	channel   storage.Channel
}

type Option func(*options)

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLogger replaces the logger built from the log section of the config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithNavigator(nav gate.Navigator) Option {
	return func(o *options) { o.navigator = nav }
}

// WithTransport sets the base RoundTripper under the signing transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithChannel uses channel instead of opening the configured medium. The
// session does not close it.
func WithChannel(channel storage.Channel) Option {
	return func(o *options) { o.channel = channel }
}

// Session is one context's token machinery, wired together.
type Session struct {
	channel     storage.Channel
	ownsChannel bool
	state       *auth.State
	issuer      *issuer.Client
	scheduler   *refresh.Scheduler
	gate        *gate.Middleware
	transport   *auth.Transport
	log         *slog.Logger
}

// Open validates cfg, builds storage, state, issuer client, scheduler and
// gate in that order, and starts the scheduler.
func Open(cfg *Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	}

	s := &Session{log: o.logger}

	s.channel = o.channel
	if s.channel == nil {
		s.channel = storage.Open(cfg.Storage, o.clock, o.logger)
		s.ownsChannel = true
	}
	s.state = auth.New(s.channel, cfg.Audiences, o.clock, o.logger)
	s.transport = &auth.Transport{State: s.state, Base: o.transport}
	s.issuer = issuer.New(cfg.Issuer, s.transport, o.logger)
	s.scheduler = refresh.New(s.state, s.issuer, o.clock, cfg.Refresh.LeadTime, o.logger)
	s.gate = gate.New(s.state, cfg.Gate.RedirectURL, o.navigator, o.logger)

	s.scheduler.Start()
	s.log.Info("session: opened",
		"medium", s.channel.Medium(),
		"valid", s.state.IsTokenValid(),
		"refresh", s.scheduler.Status(),
	)
	return s, nil
}

func (s *Session) State() *auth.State            { return s.state }
func (s *Session) Scheduler() *refresh.Scheduler { return s.scheduler }
func (s *Session) Gate() *gate.Middleware        { return s.gate }
func (s *Session) Issuer() *issuer.Client        { return s.issuer }
func (s *Session) Channel() storage.Channel      { return s.channel }

// HTTPClient returns a client whose requests carry the session's token.
func (s *Session) HTTPClient() *http.Client {
	return &http.Client{Transport: s.transport}
}

// Login stores the token the issuer hands out. A failed login clears any
// token held before.
func (s *Session) Login(ctx context.Context, creds issuer.Credentials) error {
	raw, err := s.issuer.Login(ctx, creds)
	if err != nil {
		s.log.Warn("session: login failed", "email", creds.Email, "error", err)
		if cerr := s.state.Clear(); cerr != nil {
			s.log.Error("session: failed to clear token", "error", cerr)
		}
		return err
	}
	return s.state.UpdateToken(raw)
}

// Logout tells the issuer and clears the token whatever it answers.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.issuer.Logout(ctx); err != nil {
		s.log.Warn("session: issuer logout failed", "error", err)
	}
	return s.state.Clear()
}

// Close shuts the scheduler, the state and, when the session opened it,
// the storage channel.
func (s *Session) Close() error {
	s.scheduler.Close()
	s.state.Close()
	if s.ownsChannel {
		return s.channel.Close()
	}
	return nil
}
