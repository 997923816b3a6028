// Package session wires a storage channel, an auth state, an issuer
// client, a refresh scheduler and a gate into one value.
//
// There is no package-level state: every context opens its own Session
// and passes it to whatever needs a token.
//
//	cfg, err := session.LoadFile("tokenkeeper.yaml")
//	if err != nil {
//	    return err
//	}
//	s, err := session.Open(cfg)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.Login(ctx, issuer.Credentials{Email: e, Password: p}); err != nil {
//	    return err
//	}
//	res, err := s.HTTPClient().Get(apiURL)
//
// # Configuration
//
//	audiences: [app.example.com]
//	issuer:
//	  url: https://auth.example.com
//	  app_key: abc123
//	  timeout: 10s
//	refresh:
//	  lead_time: 2m
//	gate:
//	  redirect_url: /login
//	storage:
//	  medium: file        # memory | file | redis | sqlite
//	  dir: ${HOME}/.local/state/tokenkeeper
//	log:
//	  level: info         # debug | info | warn | error
//	  format: text        # text | json
//
// Omitted fields take the values of Default. Load reads the path from
// TOKENKEEPER_CONFIG.
package session
