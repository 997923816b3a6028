package issuertest_test

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/testutil"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuer"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuertest"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/token"
	"golang.org/x/crypto/bcrypt"
)

const testAudience = "app.tokenkeeper.local"

func setupServer(t *testing.T, appKey string) *issuertest.Server {
	t.Helper()
	srv, err := issuertest.New(issuertest.Options{
		Audience:     []string{testAudience},
		AppKey:       appKey,
		PasswordCost: bcrypt.MinCost,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.AddUser("alice@example.com", "password"); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	return srv
}

func login(t *testing.T, srv *issuertest.Server, password string, headers ...testutil.Header) (string, testutil.HTTPResult) {
	t.Helper()
	form := url.Values{"email": {"alice@example.com"}, "password": {password}}
	var res issuer.TokenResponse
	result := testutil.PostForm(srv, "/api/login", form, &res, headers...)
	return res.Data.JWT, result
}

func TestLogin_Success(t *testing.T) {
	t.Parallel()
	srv := setupServer(t, "")

	raw, result := login(t, srv, "password")
	testutil.ExpectStatus(t, http.StatusOK, result)

	// the token is for alice, for the audience, and verifies
	tok := token.Parse(raw)
	if tok == nil {
		t.Fatal("login returned a malformed token")
	}
	if tok.Subject() != "alice@example.com" {
		t.Errorf("subject = %q", tok.Subject())
	}
	if !tok.IsValid(time.Now(), []string{testAudience}) {
		t.Error("token should be valid")
	}
	if _, err := srv.Verify(raw); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if got := srv.Counts().Logins; got != 1 {
		t.Errorf("Logins = %d", got)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	t.Parallel()
	srv := setupServer(t, "")

	_, result := login(t, srv, "wrong")
	testutil.ExpectStatus(t, http.StatusUnauthorized, result)
	if got := srv.Counts().Logins; got != 0 {
		t.Errorf("Logins = %d", got)
	}
}

func TestLogin_AppKey(t *testing.T) {
	t.Parallel()
	srv := setupServer(t, "secret-app")

	// missing key is refused, right key passes
	_, result := login(t, srv, "password")
	testutil.ExpectStatus(t, http.StatusForbidden, result)

	_, result = login(t, srv, "password", testutil.Header{Key: issuer.HeaderAppKey, Value: "secret-app"})
	testutil.ExpectStatus(t, http.StatusOK, result)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	srv := setupServer(t, "")
	raw, _ := login(t, srv, "password")

	// a signed refresh returns a different token for the same subject
	var res issuer.TokenResponse
	result := testutil.Post(srv, "/api/refresh", "", &res, testutil.Bearer(raw))
	testutil.ExpectStatus(t, http.StatusOK, result)
	if res.Data.JWT == "" || res.Data.JWT == raw {
		t.Errorf("refreshed token = %q", res.Data.JWT)
	}
	if token.Parse(res.Data.JWT).Subject() != "alice@example.com" {
		t.Error("refreshed token lost its subject")
	}

	// unsigned or forged refreshes are refused
	result = testutil.Post(srv, "/api/refresh", "", nil)
	testutil.ExpectStatus(t, http.StatusUnauthorized, result)
	forged := testutil.MintValid(t, time.Now(), testAudience, time.Hour)
	result = testutil.Post(srv, "/api/refresh", "", nil, testutil.Bearer(forged))
	testutil.ExpectStatus(t, http.StatusUnauthorized, result)

	if got := srv.Counts().Refreshes; got != 1 {
		t.Errorf("Refreshes = %d", got)
	}
}

func TestRefresh_Expired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	srv, err := issuertest.New(issuertest.Options{
		Audience: []string{testAudience},
		Now:      func() time.Time { return now },
	}, logging.Discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	raw, err := srv.Issue("alice", -time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	result := testutil.Post(srv, "/api/refresh", "", nil, testutil.Bearer(raw))
	testutil.ExpectStatus(t, http.StatusUnauthorized, result)
}

func TestFailRefresh(t *testing.T) {
	t.Parallel()
	srv := setupServer(t, "")
	raw, _ := login(t, srv, "password")

	srv.FailRefresh(http.StatusServiceUnavailable)
	result := testutil.Post(srv, "/api/refresh", "", nil, testutil.Bearer(raw))
	testutil.ExpectStatus(t, http.StatusServiceUnavailable, result)

	srv.FailRefresh(0)
	result = testutil.Post(srv, "/api/refresh", "", nil, testutil.Bearer(raw))
	testutil.ExpectStatus(t, http.StatusOK, result)
}

func TestLogout_Revokes(t *testing.T) {
	t.Parallel()
	srv := setupServer(t, "")
	raw, _ := login(t, srv, "password")

	result := testutil.Post(srv, "/api/logout", "", nil, testutil.Bearer(raw))
	testutil.ExpectStatus(t, http.StatusNoContent, result)

	// the token no longer verifies or refreshes
	if _, err := srv.Verify(raw); !errors.Is(err, issuertest.ErrInvalidToken) {
		t.Errorf("Verify err = %v, want ErrInvalidToken", err)
	}
	result = testutil.Post(srv, "/api/refresh", "", nil, testutil.Bearer(raw))
	testutil.ExpectStatus(t, http.StatusUnauthorized, result)
}

func TestRoutes_PostOnly(t *testing.T) {
	t.Parallel()
	srv := setupServer(t, "")

	result := testutil.Get(srv, "/api/login", nil)
	if result.Code == http.StatusOK {
		t.Error("GET /api/login should not succeed")
	}
}

func TestNew_RequiresAudience(t *testing.T) {
	t.Parallel()
	if _, err := issuertest.New(issuertest.Options{}, logging.Discard()); err == nil {
		t.Error("expected an error without audience")
	}
}
