// Package storage is a string key/value store that several contexts share,
// with notification when another context changes a value.
//
// A context is one Channel value. Two channels opened onto the same
// backing store (the same Hub, directory, redis prefix or SQLite file)
// are two contexts: a Set on one reaches the OnChange handlers of the
// other, never its own.
//
// # Media
//
//	hub := storage.NewHub()      // process-local, shared between views
//	a, b := hub.Open(), hub.Open()
//
//	f, err := storage.NewFile(dir, 0, logger)          // fsnotify
//	r, err := storage.DialRedis(addr, "app:", logger)  // pub/sub
//	s, err := storage.NewSQLite(path, 0, clk, logger)  // data_version polling
//
// Handlers run on a goroutine owned by the channel, in the order changes
// were observed. Delivery is eventual and the last write wins.
//
// # Fallback
//
// Open builds the medium named by a Config and probes it with a write. If
// the medium cannot be built or refuses the probe, Open logs a warning and
// returns NewMemory(), an isolated channel that persists nothing beyond
// the process and never notifies.
package storage
