package main

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuertest"
	"github.com/spf13/pflag"
)

// Config holds all command-line configuration
type Config struct {
	ListenAddr string
	Issuer     string
	Audience   []string
	AppKey     string
	Lifetime   time.Duration
	Users      []UserCredentials
	Quiet      bool
}

type UserCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BaseURL                  string            `json:"base_url"`
	Issuer                   string            `json:"issuer"`
	Audience                 []string          `json:"audience"`
	AppKey                   string            `json:"app_key,omitempty"`
	Users                    []UserCredentials `json:"users"`
	VerificationKeyDERBase64 string            `json:"verification_key_der_base64"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := logging.New("info", "text", os.Stderr)
	if cfg.Quiet {
		logger = logging.Discard()
	}

	srv, err := issuertest.New(issuertest.Options{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		AppKey:   cfg.AppKey,
		Lifetime: cfg.Lifetime,
	}, logger)
	if err != nil {
		return err
	}
	for _, user := range cfg.Users {
		if err := srv.AddUser(user.Email, user.Password); err != nil {
			return fmt.Errorf("add user %s: %w", user.Email, err)
		}
	}

	// Start HTTP server, ephemeral port by default
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer listener.Close()

	contract, err := buildContract(cfg, srv, listener.Addr().(*net.TCPAddr))
	if err != nil {
		return err
	}
	if err := json.NewEncoder(stdout).Encode(contract); err != nil {
		return fmt.Errorf("failed to encode JSON contract: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- http.Serve(listener, srv)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
		return nil
	}
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	var users []string

	flagSet := pflag.NewFlagSet("tokenkeeper-testserver", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:0", "listen address (default uses ephemeral port)")
	flagSet.StringVar(&cfg.Issuer, "issuer", issuertest.DefaultIssuer, "iss claim of issued tokens")
	flagSet.StringSliceVar(&cfg.Audience, "audience", []string{"test-audience"}, "aud claim of issued tokens (repeatable)")
	flagSet.StringVar(&cfg.AppKey, "app-key", "", "APP_KEY header required on login (none if empty)")
	flagSet.DurationVar(&cfg.Lifetime, "lifetime", issuertest.DefaultLifetime, "lifetime of issued tokens")
	flagSet.StringArrayVar(&users, "user", nil, "user credentials in format 'email:password' (repeatable)")
	flagSet.BoolVar(&cfg.Quiet, "quiet", false, "suppress log output")

	if err := flagSet.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Users = []UserCredentials{{Email: "test@example.com", Password: "test"}}
	if len(users) > 0 {
		cfg.Users = cfg.Users[:0]
		for _, u := range users {
			email, password, ok := strings.Cut(u, ":")
			if !ok || email == "" {
				return cfg, fmt.Errorf("user must be in format 'email:password', got %q", u)
			}
			cfg.Users = append(cfg.Users, UserCredentials{Email: email, Password: password})
		}
	}
	return cfg, nil
}

func buildContract(
	cfg Config,
	srv *issuertest.Server,
	addr *net.TCPAddr,
) (OutputContract, error) {
	der, err := x509.MarshalPKIXPublicKey(srv.VerificationKey())
	if err != nil {
		return OutputContract{}, fmt.Errorf("marshal public key: %w", err)
	}
	return OutputContract{
		BaseURL:                  fmt.Sprintf("http://%s", addr.String()),
		Issuer:                   cfg.Issuer,
		Audience:                 srv.Audience(),
		AppKey:                   cfg.AppKey,
		Users:                    cfg.Users,
		VerificationKeyDERBase64: base64.StdEncoding.EncodeToString(der),
	}, nil
}
