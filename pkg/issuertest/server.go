package issuertest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuer"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultIssuer   = "issuer.tokenkeeper.local"
	DefaultLifetime = 30 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type Options struct {
	Issuer   string
	Audience []string
	AppKey   string
	Lifetime time.Duration

	// PasswordCost is the bcrypt cost for AddUser; tests use bcrypt.MinCost.
	PasswordCost int

	// Now is the issuing clock, time.Now when nil.
	Now func() time.Time
}

// Counts tallies the requests each endpoint accepted.
type Counts struct {
	Logins    int
	Refreshes int
	Logouts   int
}

// Server issues ES256 tokens to registered users. It implements the
// endpoints pkg/issuer talks to.
type Server struct {
	key      *ecdsa.PrivateKey
	issuer   string
	audience []string
	appKey   string
	lifetime time.Duration
	cost     int
	now      func() time.Time
	log      *slog.Logger
	router   *mux.Router

	logins    atomic.Int32
	refreshes atomic.Int32
	logouts   atomic.Int32

	mu            sync.Mutex
	users         map[string][]byte
	revoked       map[string]struct{}
	refreshStatus int
}

func New(
	opts Options,
	logger *slog.Logger,
) (*Server, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %v", err)
	}
	if len(opts.Audience) == 0 {
		return nil, errors.New("at least one audience is required")
	}

	s := &Server{
		key:      key,
		issuer:   opts.Issuer,
		audience: slices.Clone(opts.Audience),
		appKey:   opts.AppKey,
		lifetime: opts.Lifetime,
		cost:     opts.PasswordCost,
		now:      opts.Now,
		log:      logging.OrDefault(logger),
		users:    make(map[string][]byte),
		revoked:  make(map[string]struct{}),
	}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	if s.lifetime <= 0 {
		s.lifetime = DefaultLifetime
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.router = s.buildRouter()
	return s, nil
}

// Start serves s on an httptest server closed at the end of the test and
// returns its URL.
func Start(
	t testing.TB,
	opts Options,
) (*Server, string) {
	t.Helper()
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.MinCost
	}
	s, err := New(opts, logging.Discard())
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	endpoints := issuer.DefaultEndpoints()

	api := r.Methods(http.MethodPost).Subrouter()
	api.HandleFunc(endpoints.Login, s.handleLogin)
	api.HandleFunc(endpoints.Refresh, s.handleRefresh)
	api.HandleFunc(endpoints.Logout, s.handleLogout)
	return r
}

func (s *Server) VerificationKey() *ecdsa.PublicKey { return &s.key.PublicKey }

func (s *Server) Audience() []string { return slices.Clone(s.audience) }

func (s *Server) Counts() Counts {
	return Counts{
		Logins:    int(s.logins.Load()),
		Refreshes: int(s.refreshes.Load()),
		Logouts:   int(s.logouts.Load()),
	}
}

// AddUser registers email with a bcrypt hash of password.
func (s *Server) AddUser(email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = hash
	return nil
}

// FailRefresh makes every refresh answer status until it is called
// with 0.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// Issue signs a token for subject valid for lifetime from the server's now.
func (s *Server) Issue(subject string, lifetime time.Duration) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings(s.audience),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}
	return raw, nil
}

// Verify checks a bearer token's signature, issuer, audience, expiry and
// revocation, and returns its claims.
func (s *Server) Verify(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return &s.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience[0]),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	s.mu.Lock()
	_, revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	return claims, nil
}

func (s *Server) authenticate(email, password string) error {
	s.mu.Lock()
	hash, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown user %s", ErrInvalidCredentials, email)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.appKey != "" && r.Header.Get(issuer.HeaderAppKey) != s.appKey {
		s.logErr(r, "wrong app key")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.logErr(r, fmt.Sprintf("bad form: %v", err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	email := r.PostForm.Get("email")
	if err := s.authenticate(email, r.PostForm.Get("password")); err != nil {
		s.logErr(r, err.Error())
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	raw, err := s.Issue(email, s.lifetime)
	if err != nil {
		s.logErr(r, err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.logins.Add(1)
	returnToken(w, raw)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.refreshStatus
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	claims, ok := s.bearerClaims(w, r)
	if !ok {
		return
	}
	raw, err := s.Issue(claims.Subject, s.lifetime)
	if err != nil {
		s.logErr(r, err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.refreshes.Add(1)
	returnToken(w, raw)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.bearerClaims(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.revoked[claims.ID] = struct{}{}
	s.mu.Unlock()

	s.logouts.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) bearerClaims(w http.ResponseWriter, r *http.Request) (*jwt.RegisteredClaims, bool) {
	raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || raw == "" {
		s.logErr(r, "missing bearer token")
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	claims, err := s.Verify(raw)
	if err != nil {
		s.logErr(r, err.Error())
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func returnToken(w http.ResponseWriter, raw string) {
	w.Header().Set("Content-Type", "application/json")
	body := issuer.TokenResponse{Data: issuer.TokenData{JWT: raw}}
	if err := json.NewEncoder(w).Encode(&body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) logErr(r *http.Request, msg string) {
	s.log.Warn("issuertest: request refused", "method", r.Method, "uri", r.RequestURI, "reason", msg)
}
