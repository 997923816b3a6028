// Package auth holds a context's bearer token and signs requests with it.
//
// A State is built on a storage.Channel. Every UpdateToken persists the
// raw token under TokenKey before TokenUpdated listeners run, so a
// listener that reads storage sees the new value. When another context
// sharing the channel writes the key, the State reloads from storage and
// emits TokenUpdated as well; listeners cannot tell the two apart and do
// not need to.
//
//	state := auth.New(channel, []string{"app.example.com"}, nil, logger)
//	defer state.Close()
//
//	unsubscribe := state.OnTokenUpdated(func() {
//	    fmt.Println("valid:", state.IsTokenValid())
//	})
//	defer unsubscribe()
//
// # Signing
//
// SignRequest adds "Authorization: Bearer <raw>" and performs the request.
// Transport does the same for every request an http.Client sends. A
// request whose context was built with WithoutAuthentication goes out
// unsigned, as does any request made while no token is held.
//
//	client := &http.Client{Transport: &auth.Transport{State: state}}
//	ctx := auth.WithoutAuthentication(context.Background())
//	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, body)
package auth
