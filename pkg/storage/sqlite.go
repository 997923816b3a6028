package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/clock"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	_ "modernc.org/sqlite"
)

const DefaultPollInterval = 250 * time.Millisecond

// SQLiteChannel stores values in a table of a SQLite file. Contexts that
// open the same file see each other's writes: the channel polls
// PRAGMA data_version, which only moves when another connection commits.
type SQLiteChannel struct {
	db       *sql.DB
	log      *slog.Logger
	handlers handlers
	ticker   *clock.Ticker

	mu      sync.Mutex
	known   snapshot
	version int64
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

var _ Channel = (*SQLiteChannel)(nil)

func NewSQLite(
	path string,
	poll time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) (*SQLiteChannel, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.Real()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// data_version is per connection, so every query must share one
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %v", err)
	}
	if err := initTable(db, "storage", `
		CREATE TABLE IF NOT EXISTS storage (
			key    TEXT PRIMARY KEY,
			value  TEXT NOT NULL
		);`,
	); err != nil {
		db.Close()
		return nil, err
	}

	c := &SQLiteChannel{
		db:      db,
		log:     logging.OrDefault(logger),
		known:   make(snapshot),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	c.mu.Lock()
	version, err := c.dataVersion()
	if err == nil {
		var current map[string]string
		current, err = c.readAll()
		c.known.diff(current)
		c.version = version
	}
	c.mu.Unlock()
	if err != nil {
		db.Close()
		return nil, err
	}

	c.ticker = clk.NewTicker(poll)
	go c.poll()
	return c, nil
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %v", name, err)
	}
	return nil
}

func (c *SQLiteChannel) Medium() Medium { return MediumSQLite }

func (c *SQLiteChannel) Get(key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	var value string
	row := c.db.QueryRow("SELECT value FROM storage WHERE key=?;", key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read '%s': %v", key, err)
	}
	return value, true, nil
}

func (c *SQLiteChannel) Set(key string, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	_, err := c.db.Exec(`
		INSERT INTO storage (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write '%s': %v", key, err)
	}
	c.known[key] = value
	return nil
}

func (c *SQLiteChannel) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if _, err := c.db.Exec("DELETE FROM storage WHERE key=?;", key); err != nil {
		return fmt.Errorf("failed to remove '%s': %v", key, err)
	}
	delete(c.known, key)
	return nil
}

func (c *SQLiteChannel) OnChange(handler func(Change)) func() {
	return c.handlers.add(handler)
}

func (c *SQLiteChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.ticker.Stop()
	close(c.done)
	<-c.stopped
	return c.db.Close()
}

func (c *SQLiteChannel) poll() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			c.check()
		}
	}
}

// check reports every key whose value differs from the snapshot once
// another connection has committed.
func (c *SQLiteChannel) check() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	version, err := c.dataVersion()
	if err != nil {
		c.mu.Unlock()
		c.log.Error("storage: failed to poll sqlite", "error", err)
		return
	}
	if version == c.version {
		c.mu.Unlock()
		return
	}
	current, err := c.readAll()
	if err != nil {
		c.mu.Unlock()
		c.log.Error("storage: failed to reload sqlite", "error", err)
		return
	}
	c.version = version
	changes := c.known.diff(current)
	c.mu.Unlock()

	for _, change := range changes {
		c.handlers.notify(change)
	}
}

func (c *SQLiteChannel) dataVersion() (int64, error) {
	var version int64
	if err := c.db.QueryRow("PRAGMA data_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read data_version: %v", err)
	}
	return version, nil
}

func (c *SQLiteChannel) readAll() (map[string]string, error) {
	rows, err := c.db.Query("SELECT key, value FROM storage;")
	if err != nil {
		return nil, fmt.Errorf("failed to read storage table: %v", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan storage row: %v", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read storage table: %v", err)
	}
	return values, nil
}
