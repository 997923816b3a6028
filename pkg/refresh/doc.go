// Package refresh keeps a bearer token from expiring by trading it for a
// new one shortly before its exp.
//
// A Scheduler is Idle, Armed or Refreshing. Start looks at the token
// source: without a valid token it stays Idle; with fewer than leadTime
// left it calls the Refresher right away; otherwise it arms one timer for
// exp minus leadTime, and the timer calls Start again when it fires.
//
// A successful refresh is handed to the source's UpdateToken. The
// scheduler does not re-arm itself afterwards: it is subscribed to
// TokenUpdated and restarts from the event, as it does for logins,
// logouts and changes made in other contexts. A failed refresh is logged
// and not retried.
//
//	sched := refresh.New(state, issuerClient, nil, refresh.DefaultLeadTime, logger)
//	defer sched.Close()
//	sched.Start()
package refresh
