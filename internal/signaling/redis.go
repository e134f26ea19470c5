package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisChannel delivers signals over Redis Pub/Sub, one topic per
// destination user: "<prefix>:<userID>:call".
type RedisChannel struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger

	ready atomic.Bool

	// newBackOff paces resubscribe attempts.
	newBackOff func() backoff.BackOff
}

func NewRedisChannel(rdb redis.UniversalClient, prefix string, log *slog.Logger) *RedisChannel {
	if prefix == "" {
		prefix = "calls"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisChannel{
		rdb:    rdb,
		prefix: prefix,
		log:    log.With("component", "signaling"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Topic is the per-user delivery topic.
func (c *RedisChannel) Topic(userID string) string {
	return fmt.Sprintf("%s:%s:call", c.prefix, userID)
}

func (c *RedisChannel) Send(ctx context.Context, sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", sig.Type, err)
	}
	if err := c.rdb.Publish(ctx, c.Topic(sig.To), string(payload)).Err(); err != nil {
		return fmt.Errorf("%w: publish %s to %s: %v", ErrTransportUnavailable, sig.Type, sig.To, err)
	}
	return nil
}

func (c *RedisChannel) Ready() bool {
	return c.ready.Load()
}

func (c *RedisChannel) Subscribe(ctx context.Context, userID string, h Handler) (func(), error) {
	if userID == "" || h == nil {
		return nil, fmt.Errorf("%w: user id and handler are required", ErrInvalidSignal)
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.run(ctx, userID, h)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// run keeps one subscription alive until ctx ends, resubscribing with
// backoff whenever the connection drops.
func (c *RedisChannel) run(ctx context.Context, userID string, h Handler) {
	topic := c.Topic(userID)
	for ctx.Err() == nil {
		var ps *redis.PubSub
		op := func() error {
			ps = c.rdb.Subscribe(ctx, topic)
			if _, err := ps.Receive(ctx); err != nil {
				_ = ps.Close()
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			return nil
		}
		notify := func(err error, wait time.Duration) {
			c.log.Warn("signal subscribe failed", "topic", topic, "retry_in", wait.String(), "err", err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
			return
		}

		c.ready.Store(true)
		c.log.Info("signal subscription active", "topic", topic)
		err := c.consume(ctx, ps, userID, h)
		c.ready.Store(false)
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("signal subscription lost", "topic", topic, "err", err)
	}
}

func (c *RedisChannel) consume(ctx context.Context, ps *redis.PubSub, userID string, h Handler) error {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		c.deliver(msg, userID, h)
	}
}

// deliver hands one message to h, dropping payloads that do not decode or
// are addressed to someone else.
func (c *RedisChannel) deliver(msg *redis.Message, userID string, h Handler) {
	sig, err := Decode([]byte(msg.Payload))
	if err != nil {
		c.log.Warn("dropping malformed signal", "topic", msg.Channel, "err", err)
		return
	}
	if sig.To != userID {
		c.log.Debug("dropping misaddressed signal", "type", sig.Type, "to", sig.To)
		return
	}
	h(sig)
}

// Decode parses and validates one wire payload.
func Decode(payload []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return Signal{}, errors.Join(ErrInvalidSignal, err)
	}
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}
