package refresh

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/clock"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
)

const DefaultLeadTime = 2 * time.Minute

type Status int

const (
	Idle Status = iota
	Armed
	Refreshing
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// TokenSource is the token state the scheduler watches and feeds.
// *auth.State implements it.
type TokenSource interface {
	IsTokenValid() bool
	ExpirationTime() int64
	UpdateToken(raw string) error
	OnTokenUpdated(handler func()) (unsubscribe func())
}

// Refresher trades the current token for a new raw token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

type RefresherFunc func(ctx context.Context) (string, error)

func (f RefresherFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

// Scheduler refreshes the token leadTime before it expires. It keeps at
// most one timer armed and at most one refresh call in flight, and
// restarts whenever the token source reports TokenUpdated.
type Scheduler struct {
	source    TokenSource
	refresher Refresher
	clock     clock.Clock
	leadTime  time.Duration
	log       *slog.Logger

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu         sync.Mutex
	status     Status
	timer      *clock.Timer
	generation uint64
	inFlight   bool
	closed     bool
}

// New builds an idle scheduler subscribed to source's TokenUpdated. Call
// Start to evaluate the current token.
func New(
	source TokenSource,
	refresher Refresher,
	clk clock.Clock,
	leadTime time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if leadTime <= 0 {
		leadTime = DefaultLeadTime
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		source:    source,
		refresher: refresher,
		clock:     clk,
		leadTime:  leadTime,
		log:       logging.OrDefault(logger),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.unsubscribe = source.OnTokenUpdated(s.Restart)
	return s
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) LeadTime() time.Duration { return s.leadTime }

// Start evaluates the token from scratch: a token inside the lead window
// is refreshed now, a later one gets a timer, an invalid one leaves the
// scheduler idle.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
}

// Stop cancels the pending timer, if any. Calling it again does nothing.
// A refresh already in flight still delivers its token.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
	s.start()
}

// Close stops the scheduler for good, unsubscribes from the token
// source and cancels a refresh in flight.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stop()
	s.closed = true
	s.mu.Unlock()

	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) stop() {
	s.generation++
	s.timer.Stop()
	s.timer = nil
	s.status = Idle
}

func (s *Scheduler) start() {
	if s.closed {
		return
	}
	// drop any earlier timer so only one is ever armed
	s.stop()

	if !s.source.IsTokenValid() {
		s.log.Error("refresh: no valid token, not scheduling")
		return
	}

	expiresAt := s.source.ExpirationTime()
	remaining := untilUnix(expiresAt, s.clock.Now())
	if remaining <= s.leadTime {
		s.status = Refreshing
		if s.inFlight {
			s.log.Debug("refresh: call already in flight")
			return
		}
		s.inFlight = true
		s.wg.Add(1)
		go s.refresh()
		return
	}

	delay := remaining - s.leadTime
	generation := s.generation
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(generation) })
	s.status = Armed
	s.log.Debug("refresh: armed", "in", delay, "expires_at", expiresAt)
}

// untilUnix returns the time from now to the unix second exp, saturating
// instead of overflowing for exp far from now.
func untilUnix(exp int64, now time.Time) time.Duration {
	const maxSeconds = int64(math.MaxInt64 / time.Second)
	base := now.Unix()
	switch {
	case exp >= base+maxSeconds:
		return time.Duration(math.MaxInt64)
	case exp <= base-maxSeconds:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(exp-base)*time.Second - time.Duration(now.Nanosecond())
}

// fire re-runs start for the timer of the given generation. A timer that
// was stopped after it began firing finds a newer generation and returns.
func (s *Scheduler) fire(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return
	}
	s.timer = nil
	s.start()
}

func (s *Scheduler) refresh() {
	defer s.wg.Done()

	raw, err := s.refresher.Refresh(s.ctx)

	s.mu.Lock()
	s.inFlight = false
	if err != nil && s.status == Refreshing {
		s.status = Idle
	}
	closed := s.closed
	s.mu.Unlock()

	if err != nil {
		s.log.Error("refresh: token refresh failed", "error", err)
		return
	}
	if closed {
		return
	}

	// the resulting TokenUpdated restarts the scheduler
	if err := s.source.UpdateToken(raw); err != nil {
		s.log.Warn("refresh: refreshed token not persisted", "error", err)
	}
}
