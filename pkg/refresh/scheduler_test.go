package refresh_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/clock"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/testutil"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/auth"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/refresh"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/storage"
)

const (
	testAudience = "app.tokenkeeper.local"
	leadTime     = 120 * time.Second
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRefresher counts calls and answers with whatever next returns.
type fakeRefresher struct {
	calls atomic.Int32
	next  func(ctx context.Context) (string, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.next == nil {
		return "", errors.New("no token configured")
	}
	return f.next(ctx)
}

type env struct {
	clock     *clock.FakeClock
	state     *auth.State
	refresher *fakeRefresher
	scheduler *refresh.Scheduler
}

func setup(t *testing.T, channel storage.Channel) *env {
	t.Helper()
	if channel == nil {
		channel = storage.NewMemory()
		t.Cleanup(func() { channel.Close() })
	}
	clk := clock.Fake(testNow)
	state := auth.New(channel, []string{testAudience}, clk, logging.Discard())
	t.Cleanup(state.Close)

	r := &fakeRefresher{}
	sched := refresh.New(state, r, clk, leadTime, logging.Discard())
	t.Cleanup(sched.Close)
	return &env{clock: clk, state: state, refresher: r, scheduler: sched}
}

// login stores a token expiring lifetime from the env's now. The
// TokenUpdated event restarts the scheduler.
func (e *env) login(t *testing.T, lifetime time.Duration) {
	t.Helper()
	raw := testutil.MintValid(t, e.clock.Now(), testAudience, lifetime)
	if err := e.state.UpdateToken(raw); err != nil {
		t.Fatalf("UpdateToken failed: %v", err)
	}
}

func TestStart_RefreshesInsideLeadTime(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)

	block := make(chan struct{})
	e.refresher.next = func(ctx context.Context) (string, error) {
		<-block
		return "", errors.New("released")
	}
	t.Cleanup(func() { close(block) })

	// exp = now + 30s with a 120s lead: refresh now, no timer
	e.login(t, 30*time.Second)

	testutil.Eventually(t, time.Second, func() bool { return e.refresher.calls.Load() == 1 },
		"expected an immediate refresh call")
	if n := e.clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers = %d, want 0", n)
	}
	if got := e.scheduler.Status(); got != refresh.Refreshing {
		t.Errorf("Status = %v, want refreshing", got)
	}
}

func TestStart_ArmsTimerOutsideLeadTime(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)

	// exp = now + 500s with a 120s lead: one timer at 380s, no call
	e.login(t, 500*time.Second)

	if got := e.scheduler.Status(); got != refresh.Armed {
		t.Fatalf("Status = %v, want armed", got)
	}
	if n := e.clock.PendingTimers(); n != 1 {
		t.Fatalf("PendingTimers = %d, want 1", n)
	}
	deadline, _ := e.clock.NextDeadline()
	if got := deadline.Sub(testNow); got != 380*time.Second {
		t.Errorf("timer set for %v, want 380s", got)
	}
	if n := e.refresher.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times", n)
	}
}

func TestStart_InvalidTokenStaysIdle(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)

	for _, raw := range []string{
		"",
		testutil.MintValid(t, testNow.Add(-time.Hour), testAudience, time.Minute),
		testutil.MintValid(t, testNow, "someone-else", time.Hour),
	} {
		if err := e.state.UpdateToken(raw); err != nil {
			t.Fatalf("UpdateToken failed: %v", err)
		}
		if got := e.scheduler.Status(); got != refresh.Idle {
			t.Errorf("Status = %v, want idle", got)
		}
		if n := e.clock.PendingTimers(); n != 0 {
			t.Errorf("PendingTimers = %d, want 0", n)
		}
	}
	if n := e.refresher.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times", n)
	}
}

func TestStart_InvalidTokenLogsError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	clk := clock.Fake(testNow)
	channel := storage.NewMemory()
	t.Cleanup(func() { channel.Close() })
	state := auth.New(channel, []string{testAudience}, clk, logging.Discard())
	t.Cleanup(state.Close)

	sched := refresh.New(state, &fakeRefresher{}, clk, leadTime, logging.New("debug", "json", &buf))
	t.Cleanup(sched.Close)
	sched.Start()

	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("expected an error log, got %s", buf.String())
	}
}

func TestStart_FarFutureExpiryArms(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)

	// exp beyond the int64 range of time.Duration must not wrap into the past
	payload := base64.RawURLEncoding.EncodeToString(
		[]byte(`{"exp":1e19,"aud":"` + testAudience + `"}`))
	if err := e.state.UpdateToken("eyJhbGciOiJub25lIn0." + payload + ".sig"); err != nil {
		t.Fatalf("UpdateToken failed: %v", err)
	}

	if got := e.scheduler.Status(); got != refresh.Armed {
		t.Errorf("Status = %v, want armed", got)
	}
	if n := e.refresher.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times", n)
	}
}

func TestTimer_FiringRefreshesAndRearms(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)
	e.refresher.next = func(ctx context.Context) (string, error) {
		return testutil.MintValid(t, e.clock.Now(), testAudience, 500*time.Second), nil
	}
	e.login(t, 500*time.Second)

	// at 380s the timer fires and the refresh runs
	e.clock.Advance(380 * time.Second)
	testutil.Eventually(t, time.Second, func() bool { return e.scheduler.Status() == refresh.Armed },
		"expected the refreshed token to re-arm the scheduler")
	if n := e.refresher.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}

	// the new token's timer is 380s after the refresh
	deadline, _ := e.clock.NextDeadline()
	if got := deadline.Sub(e.clock.Now()); got != 380*time.Second {
		t.Errorf("next timer in %v, want 380s", got)
	}
	if n := e.clock.PendingTimers(); n != 1 {
		t.Errorf("PendingTimers = %d, want 1", n)
	}
}

func TestTimer_ReevaluatesWhenFired(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)
	e.login(t, 500*time.Second)

	// the timer fires late, after the token already expired: start sees
	// an invalid token and goes idle instead of refreshing
	e.clock.Advance(time.Hour)

	if n := e.refresher.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times", n)
	}
	if got := e.scheduler.Status(); got != refresh.Idle {
		t.Errorf("Status = %v, want idle", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)
	e.login(t, time.Hour)

	e.scheduler.Stop()
	e.scheduler.Stop()

	if n := e.clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers = %d, want 0", n)
	}
	if got := e.scheduler.Status(); got != refresh.Idle {
		t.Errorf("Status = %v, want idle", got)
	}

	// a stopped timer never fires
	e.clock.Advance(2 * time.Hour)
	if n := e.refresher.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times", n)
	}
}

func TestRestart_LeavesOneTimer(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)
	e.login(t, time.Hour)

	for range 10 {
		e.scheduler.Restart()
	}
	e.scheduler.Start()
	if n := e.clock.PendingTimers(); n != 1 {
		t.Errorf("PendingTimers = %d, want 1", n)
	}

	// without a valid token, restarts leave none
	if err := e.state.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	for range 10 {
		e.scheduler.Restart()
	}
	if n := e.clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers = %d, want 0", n)
	}
}

func TestRefresh_SingleCallInFlight(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)

	release := make(chan struct{})
	e.refresher.next = func(ctx context.Context) (string, error) {
		<-release
		return testutil.MintValid(t, testNow, testAudience, time.Hour), nil
	}
	e.login(t, 30*time.Second)
	testutil.Eventually(t, time.Second, func() bool { return e.refresher.calls.Load() == 1 },
		"expected a refresh call")

	// more restarts while the call is pending do not issue another
	e.scheduler.Restart()
	e.scheduler.Start()
	if n := e.refresher.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}

	close(release)
	testutil.Eventually(t, time.Second, func() bool { return e.scheduler.Status() == refresh.Armed },
		"expected the refreshed token to arm a timer")
	if n := e.refresher.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
}

func TestRefresh_FailureIsNotRetried(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)
	e.refresher.next = func(ctx context.Context) (string, error) {
		return "", errors.New("issuer down")
	}

	e.login(t, 30*time.Second)
	testutil.Eventually(t, time.Second, func() bool { return e.scheduler.Status() == refresh.Idle },
		"expected idle after the failed refresh")

	// no timer, no second call
	e.clock.Advance(time.Hour)
	if n := e.refresher.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	if n := e.clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers = %d, want 0", n)
	}
}

func TestCrossContextUpdate_RearmsOnce(t *testing.T) {
	t.Parallel()
	hub := storage.NewHub()
	chA, chB := hub.Open(), hub.Open()
	t.Cleanup(func() { chA.Close(); chB.Close() })

	a := setup(t, chA)
	b := setup(t, chB)

	// b starts with its own token and an armed timer
	b.login(t, time.Hour)
	testutil.Eventually(t, time.Second, func() bool { return a.state.Token() != nil },
		"expected a to see b's login")
	armedBefore := b.clock.ArmedTotal()

	// a second context stores a new token; b's state updates and
	// its scheduler re-arms exactly once
	raw := testutil.MintValid(t, testNow, testAudience, 2*time.Hour)
	if err := a.state.UpdateToken(raw); err != nil {
		t.Fatalf("UpdateToken failed: %v", err)
	}
	testutil.Eventually(t, time.Second, func() bool { return b.state.Token().Source() == raw },
		"expected b to pick up a's token")
	testutil.Eventually(t, time.Second, func() bool { return b.clock.ArmedTotal() == armedBefore+1 },
		"expected b to re-arm")

	time.Sleep(20 * time.Millisecond)
	if got := b.clock.ArmedTotal() - armedBefore; got != 1 {
		t.Errorf("b armed %d timers, want 1", got)
	}
	if n := b.clock.PendingTimers(); n != 1 {
		t.Errorf("b has %d pending timers, want 1", n)
	}
	deadline, _ := b.clock.NextDeadline()
	if got := deadline.Sub(testNow); got != 2*time.Hour-leadTime {
		t.Errorf("b's timer in %v, want %v", got, 2*time.Hour-leadTime)
	}
}

func TestClose_StopsReacting(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)
	e.login(t, time.Hour)

	e.scheduler.Close()
	e.scheduler.Close()
	if n := e.clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers = %d, want 0", n)
	}

	// token updates no longer arm anything
	e.login(t, time.Hour)
	if n := e.clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers = %d after Close", n)
	}
}

func TestClose_CancelsRefreshInFlight(t *testing.T) {
	t.Parallel()
	e := setup(t, nil)

	e.refresher.next = func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	e.login(t, 30*time.Second)
	testutil.Eventually(t, time.Second, func() bool { return e.refresher.calls.Load() == 1 },
		"expected a refresh call")

	// Close returns once the call has observed cancellation
	done := make(chan struct{})
	go func() {
		e.scheduler.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	for status, want := range map[refresh.Status]string{
		refresh.Idle:       "idle",
		refresh.Armed:      "armed",
		refresh.Refreshing: "refreshing",
		refresh.Status(9):  "unknown",
	} {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
}
