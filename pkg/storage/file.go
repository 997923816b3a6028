package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 50 * time.Millisecond

// FileChannel keeps one file per key in a directory. Every context that
// opens the same directory shares the values; an fsnotify watcher turns
// other contexts' writes into changes.
type FileChannel struct {
	dir      string
	debounce time.Duration
	log      *slog.Logger
	handlers handlers

	mu      sync.Mutex
	known   snapshot
	dirty   map[string]struct{}
	closed  bool
	watcher *fsnotify.Watcher
	reload  chan struct{}
	done    chan struct{}
}

var _ Channel = (*FileChannel)(nil)

func NewFile(
	dir string,
	debounce time.Duration,
	logger *slog.Logger,
) (*FileChannel, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %v", err)
	}

	c := &FileChannel{
		dir:      dir,
		debounce: debounce,
		log:      logging.OrDefault(logger),
		known:    make(snapshot),
		dirty:    make(map[string]struct{}),
		reload:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	current, err := c.readAll()
	if err != nil {
		return nil, err
	}
	c.known.diff(current)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start storage watcher: %v", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch storage dir: %v", err)
	}
	c.watcher = watcher

	go c.scheduleReload()
	go c.handleWatcher()
	return c, nil
}

func (c *FileChannel) Medium() Medium { return MediumFile }

func (c *FileChannel) Get(key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	return c.readKey(key)
}

func (c *FileChannel) Set(key string, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.writeKey(key, value); err != nil {
		return err
	}
	c.known[key] = value
	return nil
}

func (c *FileChannel) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	err := os.Remove(filepath.Join(c.dir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove '%s': %v", key, err)
	}
	delete(c.known, key)
	return nil
}

func (c *FileChannel) OnChange(handler func(Change)) func() {
	return c.handlers.add(handler)
}

func (c *FileChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.watcher.Close()
}

// writeKey replaces the key's file atomically so readers never see a
// partial value.
func (c *FileChannel) writeKey(key string, value string) error {
	tmp, err := os.CreateTemp(c.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for '%s': %v", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write '%s': %v", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write '%s': %v", key, err)
	}
	if err := os.Rename(tmpName, filepath.Join(c.dir, key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace '%s': %v", key, err)
	}
	return nil
}

func (c *FileChannel) readKey(key string) (string, bool, error) {
	b, err := os.ReadFile(filepath.Join(c.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read '%s': %v", key, err)
	}
	return string(b), true, nil
}

func (c *FileChannel) readAll() (map[string]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage dir: %v", err)
	}
	values := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isKeyFile(entry.Name()) {
			continue
		}
		value, ok, err := c.readKey(entry.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			values[entry.Name()] = value
		}
	}
	return values, nil
}

// temp files start with a dot and never name a key
func isKeyFile(name string) bool {
	return !strings.HasPrefix(name, ".") && validateKey(name) == nil
}

func (c *FileChannel) handleWatcher() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !isKeyFile(name) {
				continue
			}
			if event.Has(fsnotify.Write | fsnotify.Remove | fsnotify.Create | fsnotify.Rename) {
				c.markDirty(name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Error("storage: file watcher error", "dir", c.dir, "error", err)
		}
	}
}

func (c *FileChannel) markDirty(key string) {
	c.mu.Lock()
	c.dirty[key] = struct{}{}
	c.mu.Unlock()

	select {
	case c.reload <- struct{}{}:
	default:
	}
}

// scheduleReload coalesces bursts of events (a rename shows up as
// several) into one reconcile per debounce window.
func (c *FileChannel) scheduleReload() {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-c.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-c.reload:
			if timer != nil {
				timer.Reset(c.debounce)
			} else {
				timer = time.NewTimer(c.debounce)
				fire = timer.C
			}

		case <-fire:
			fire = nil
			timer = nil
			c.reconcile()
		}
	}
}

func (c *FileChannel) reconcile() {
	var changes []Change

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for key := range c.dirty {
		value, ok, err := c.readKey(key)
		if err != nil {
			c.log.Error("storage: reload failed", "key", key, "error", err)
			continue
		}
		if change, changed := c.known.observe(key, value, ok); changed {
			changes = append(changes, change)
		}
	}
	clear(c.dirty)
	c.mu.Unlock()

	for _, change := range changes {
		c.handlers.notify(change)
	}
}
