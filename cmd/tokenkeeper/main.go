package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuer"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/session"
	"github.com/spf13/pflag"
)

const passwordEnvVar = "TOKENKEEPER_PASSWORD"

type flags struct {
	configPath string
	listenAddr string
	email      string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	s, err := session.Open(cfg, session.WithLogger(log))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if f.email != "" && !s.State().IsTokenValid() {
		creds := issuer.Credentials{Email: f.email, Password: readEnvVar(passwordEnvVar)}
		if err := s.Login(ctx, creds); err != nil {
			return fmt.Errorf("initial login failed: %w", err)
		}
	}

	server := &http.Server{
		Addr:              f.listenAddr,
		Handler:           buildRouter(s, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", f.listenAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func parseFlags(args []string) (flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("tokenkeeper", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "path to config file (default $"+session.ConfigEnvVar+")")
	flagSet.StringVar(&f.listenAddr, "listen", "127.0.0.1:7070", "status server listen address")
	flagSet.StringVar(&f.email, "email", "", "log in as this user at start, password from $"+passwordEnvVar)

	err := flagSet.Parse(args)
	return f, err
}

func loadConfig(path string) (*session.Config, error) {
	if path == "" {
		return session.Load()
	}
	return session.LoadFile(path)
}

func readEnvVar(name string) string {
	str, present := os.LookupEnv(name)
	if !present {
		fmt.Fprintf(os.Stderr, "missing required env var '%s'\n", name)
		os.Exit(1)
	}
	return str
}
