package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix = "tokenkeeper:"
	redisOpTimeout     = 5 * time.Second
)

// envelope is what a writer publishes after each Set or Remove.
type envelope struct {
	Origin  string `cbor:"1,keyasint"`
	Key     string `cbor:"2,keyasint"`
	Value   string `cbor:"3,keyasint,omitempty"`
	Removed bool   `cbor:"4,keyasint,omitempty"`
}

// RedisChannel stores values under prefix+key and announces every write
// on the prefix+"changes" pub/sub channel. Each RedisChannel is its own
// context: envelopes carrying its origin id are dropped on receipt.
type RedisChannel struct {
	rdb        redis.UniversalClient
	ownsClient bool
	prefix     string
	origin     string
	log        *slog.Logger
	handlers   handlers

	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

var _ Channel = (*RedisChannel)(nil)

// NewRedis wraps an existing client. Closing the channel leaves the
// client open.
func NewRedis(
	rdb redis.UniversalClient,
	prefix string,
	logger *slog.Logger,
) (*RedisChannel, error) {
	return newRedis(rdb, false, prefix, logger)
}

// DialRedis connects to addr and owns the resulting client.
func DialRedis(
	addr string,
	prefix string,
	logger *slog.Logger,
) (*RedisChannel, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	c, err := newRedis(rdb, true, prefix, logger)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	return c, nil
}

func newRedis(
	rdb redis.UniversalClient,
	owns bool,
	prefix string,
	logger *slog.Logger,
) (*RedisChannel, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %v", err)
	}

	c := &RedisChannel{
		rdb:        rdb,
		ownsClient: owns,
		prefix:     prefix,
		origin:     uuid.NewString(),
		log:        logging.OrDefault(logger),
		done:       make(chan struct{}),
	}

	c.sub = rdb.Subscribe(ctx, c.changesChannel())
	if _, err := c.sub.Receive(ctx); err != nil {
		c.sub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %v", err)
	}

	listenCtx, listenCancel := context.WithCancel(context.Background())
	c.cancel = listenCancel
	go c.listen(listenCtx)
	return c, nil
}

func (c *RedisChannel) Medium() Medium { return MediumRedis }

func (c *RedisChannel) changesChannel() string { return c.prefix + "changes" }

func (c *RedisChannel) Get(key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read '%s': %v", key, err)
	}
	return value, true, nil
}

func (c *RedisChannel) Set(key string, value string) error {
	return c.write(envelope{Origin: c.origin, Key: key, Value: value})
}

func (c *RedisChannel) Remove(key string) error {
	return c.write(envelope{Origin: c.origin, Key: key, Removed: true})
}

func (c *RedisChannel) write(env envelope) error {
	if err := validateKey(env.Key); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	msg, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode change for '%s': %v", env.Key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if env.Removed {
			pipe.Del(ctx, c.prefix+env.Key)
		} else {
			pipe.Set(ctx, c.prefix+env.Key, env.Value, 0)
		}
		pipe.Publish(ctx, c.changesChannel(), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write '%s': %v", env.Key, err)
	}
	return nil
}

func (c *RedisChannel) OnChange(handler func(Change)) func() {
	return c.handlers.add(handler)
}

func (c *RedisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.sub.Close()
		if c.ownsClient {
			if cerr := c.rdb.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (c *RedisChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *RedisChannel) listen(ctx context.Context) {
	messages := c.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env envelope
			if err := cbor.Unmarshal([]byte(msg.Payload), &env); err != nil {
				c.log.Warn("storage: dropping undecodable change", "error", err)
				continue
			}
			if env.Origin == c.origin {
				continue
			}
			if validateKey(env.Key) != nil {
				continue
			}
			c.handlers.notify(Change{Key: env.Key, Value: env.Value, Removed: env.Removed})
		}
	}
}
