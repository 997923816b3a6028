package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"git.sr.ht/~jakintosh/tokenkeeper/pkg/issuer"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/session"
	"github.com/gorilla/mux"
)

type StatusResponse struct {
	Valid     bool   `json:"valid"`
	Subject   string `json:"subject,omitempty"`
	ExpiresAt int64  `json:"expires_at"`
	Refresh   string `json:"refresh"`
	Medium    string `json:"medium"`
}

func buildRouter(s *session.Session, log *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", home).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.Handle("/status", s.Gate().Protect(status(s))).Methods(http.MethodGet)

	api := r.PathPrefix("/api/").
		Methods(http.MethodPost).
		Subrouter()
	api.HandleFunc("/login", login(s, log))
	api.HandleFunc("/logout", logout(s, log))

	return r
}

func home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("tokenkeeper\n"))
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func status(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := s.State()
		returnJson(StatusResponse{
			Valid:     state.IsTokenValid(),
			Subject:   state.Token().Subject(),
			ExpiresAt: state.ExpirationTime(),
			Refresh:   s.Scheduler().Status().String(),
			Medium:    string(s.Channel().Medium()),
		}, w)
	}
}

func login(s *session.Session, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			logApiErr(log, r, "bad form")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		creds := issuer.Credentials{
			Email:    r.PostForm.Get("email"),
			Password: r.PostForm.Get("password"),
		}
		if err := s.Login(r.Context(), creds); err != nil {
			logApiErr(log, r, err.Error())
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func logout(s *session.Session, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Logout(r.Context()); err != nil {
			logApiErr(log, r, err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func returnJson(data any, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func logApiErr(log *slog.Logger, r *http.Request, msg string) {
	log.Warn("request failed", "method", r.Method, "uri", r.RequestURI, "reason", msg)
}
