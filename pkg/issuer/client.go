package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/auth"
)

const (
	HeaderAppKey   = "APP_KEY"
	DefaultTimeout = 10 * time.Second
)

var (
	ErrTokenRequest  = errors.New("failed to fetch token")
	ErrTokenResponse = errors.New("invalid token response")
)

// TokenResponse is the body of a successful login or refresh.
type TokenResponse struct {
	Data TokenData `json:"data"`
}

type TokenData struct {
	JWT string `json:"jwt"`
}

type Endpoints struct {
	Login   string `yaml:"login"`
	Refresh string `yaml:"refresh"`
	Logout  string `yaml:"logout"`
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   "/api/login",
		Refresh: "/api/refresh",
		Logout:  "/api/logout",
	}
}

type Config struct {
	URL       string        `yaml:"url" validate:"required,url"`
	AppKey    string        `yaml:"app_key"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	Endpoints Endpoints     `yaml:"endpoints"`
}

type Credentials struct {
	Email    string
	Password string
}

// Client talks to the token-issuing server. Requests go through
// transport, which is expected to sign them (see auth.Transport); login
// is sent unsigned.
type Client struct {
	baseURL   string
	appKey    string
	endpoints Endpoints
	http      *http.Client
	log       *slog.Logger
}

func New(
	cfg Config,
	transport http.RoundTripper,
	logger *slog.Logger,
) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	endpoints := DefaultEndpoints()
	if cfg.Endpoints.Login != "" {
		endpoints.Login = cfg.Endpoints.Login
	}
	if cfg.Endpoints.Refresh != "" {
		endpoints.Refresh = cfg.Endpoints.Refresh
	}
	if cfg.Endpoints.Logout != "" {
		endpoints.Logout = cfg.Endpoints.Logout
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		appKey:    cfg.AppKey,
		endpoints: endpoints,
		http:      &http.Client{Transport: transport, Timeout: timeout},
		log:       logging.OrDefault(logger),
	}
}

// Login exchanges credentials for a raw token. Errors are
// ErrTokenRequest or ErrTokenResponse.
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	form := url.Values{}
	form.Set("email", creds.Email)
	form.Set("password", creds.Password)

	req, err := c.newRequest(auth.WithoutAuthentication(ctx), c.endpoints.Login, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderAppKey, c.appKey)

	return c.fetchToken(req)
}

// Refresh trades the token the transport signs with for a new one.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, c.endpoints.Refresh, nil)
	if err != nil {
		return "", err
	}
	return c.fetchToken(req)
}

// Logout tells the server to end the session.
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.newRequest(ctx, c.endpoints.Logout, nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRequest, err)
	}
	return req, nil
}

// do performs req and turns transport failures and non-2xx answers into
// ErrTokenRequest.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.log.Debug("issuer: request", "method", req.Method, "url", req.URL.String())
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRequest, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		return nil, fmt.Errorf("%w: %s answered %d", ErrTokenRequest, req.URL.Path, res.StatusCode)
	}
	return res, nil
}

func (c *Client) fetchToken(req *http.Request) (string, error) {
	res, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var body TokenResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenResponse, err)
	}
	if body.Data.JWT == "" {
		return "", fmt.Errorf("%w: missing jwt", ErrTokenResponse)
	}
	return body.Data.JWT, nil
}
