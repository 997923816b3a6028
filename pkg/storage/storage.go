package storage

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var (
	ErrInvalidKey = errors.New("invalid storage key")
	ErrClosed     = errors.New("storage closed")
)

// Medium names a persistence backend.
type Medium string

const (
	MediumMemory Medium = "memory"
	MediumFile   Medium = "file"
	MediumRedis  Medium = "redis"
	MediumSQLite Medium = "sqlite"
)

// Change describes a write made by another context. Removed is set when
// the key was deleted, in which case Value is empty.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Channel is a string key/value store shared between contexts, with a
// stream of the changes the other contexts make.
//
// Handlers registered with OnChange never see writes made through the
// same Channel value. They run on a goroutine owned by the medium and
// must not assume anything about the caller of Set or Remove.
type Channel interface {
	Get(key string) (value string, ok bool, err error)
	Set(key string, value string) error
	Remove(key string) error
	OnChange(handler func(Change)) (cancel func())
	Medium() Medium
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// handlers is the subscriber list every medium embeds.
type handlers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Change)
}

func (h *handlers) add(fn func(Change)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[int]func(Change))
	}
	id := h.next
	h.next++
	h.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.fns, id)
		})
	}
}

// notify calls the handlers in subscription order without holding the
// lock, so a handler may cancel itself.
func (h *handlers) notify(c Change) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.fns))
	for id := range h.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.fns[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// snapshot is the last value a context saw for each key. Media that can
// only observe "something changed" diff against it to drop their own
// writes and report the rest.
type snapshot map[string]string

// diff updates s to current and returns what changed.
func (s snapshot) diff(current map[string]string) []Change {
	var changes []Change
	for key, value := range current {
		if prev, ok := s[key]; !ok || prev != value {
			changes = append(changes, Change{Key: key, Value: value})
		}
	}
	for key := range s {
		if _, ok := current[key]; !ok {
			changes = append(changes, Change{Key: key, Removed: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })

	clear(s)
	for key, value := range current {
		s[key] = value
	}
	return changes
}

// observe records one key's current state and returns the change, if any.
func (s snapshot) observe(key, value string, ok bool) (Change, bool) {
	prev, had := s[key]
	switch {
	case ok && had && prev == value:
		return Change{}, false
	case !ok && !had:
		return Change{}, false
	case ok:
		s[key] = value
		return Change{Key: key, Value: value}, true
	default:
		delete(s, key)
		return Change{Key: key, Removed: true}, true
	}
}
