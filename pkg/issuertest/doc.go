// Package issuertest runs a token-issuing server in process.
//
// It speaks the protocol pkg/issuer expects, signs ES256 tokens with a
// key generated at construction and keeps users in memory with bcrypt
// password hashes. Refresh and logout verify the bearer token; logout
// revokes it.
//
//	srv, url := issuertest.Start(t, issuertest.Options{Audience: []string{"app"}})
//	srv.AddUser("alice@example.com", "password")
//
// Counts reports how many requests each endpoint accepted, and
// FailRefresh makes refresh answer an error status.
package issuertest
