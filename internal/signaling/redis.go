package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/config"
	"github.com/mossy-p/callkit/internal/models"
)

// Connect initializes a Redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisChannel implements Channel on Redis: records are JSON values with a
// history TTL, events are pub/sub messages. Redis pub/sub gives per-channel
// publish order, which is exactly the per-call ordering the controllers
// need; dropped messages on reconnect are tolerable because updates carry
// full record snapshots.
type RedisChannel struct {
	rdb     *redis.Client
	log     *logrus.Logger
	ttl     time.Duration
	retries int
	backoff time.Duration
}

func NewRedisChannel(rdb *redis.Client, cfg config.CallConfig, log *logrus.Logger) *RedisChannel {
	return &RedisChannel{
		rdb:     rdb,
		log:     log,
		ttl:     cfg.HistoryTTL,
		retries: cfg.WriteRetries,
		backoff: cfg.RetryBackoff,
	}
}

func callKey(id string) string { return "call:" + id }

func inboxName(user string) string { return "callkit:inbox:" + user }

func callName(id string) string { return "callkit:call:" + id }

func (c *RedisChannel) Create(ctx context.Context, rec *models.CallRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = c.withRetry(ctx, func() error {
		ok, err := c.rdb.SetNX(ctx, callKey(rec.ID), data, c.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return backoffAbort{fmt.Errorf("call %s already exists", rec.ID)}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.publish(ctx, inboxName(rec.ReceiverID), &models.CallUpdate{
		Kind:   models.UpdateKindCreate,
		CallID: rec.ID,
		Record: rec,
	})
	return nil
}

func (c *RedisChannel) Get(ctx context.Context, id string) (*models.CallRecord, error) {
	data, err := c.rdb.Get(ctx, callKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	var rec models.CallRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("call %s: corrupt record: %w", id, err)
	}
	return &rec, nil
}

// Update merges partial fields into the stored record under a WATCH
// transaction, so two concurrent writers (the two call parties) never
// interleave a read-modify-write. Record invariants are enforced here at
// the write side; a convergent duplicate write publishes nothing.
func (c *RedisChannel) Update(ctx context.Context, id string, fields *models.CallFields) (*models.CallRecord, error) {
	key := callKey(id)
	var result *models.CallRecord
	var changed bool

	err := c.withRetry(ctx, func() error {
		return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return backoffAbort{ErrNotFound}
			}
			if err != nil {
				return err
			}

			var rec models.CallRecord
			if err := json.Unmarshal([]byte(data), &rec); err != nil {
				return backoffAbort{fmt.Errorf("call %s: corrupt record: %w", id, err)}
			}

			changed, err = fields.ApplyTo(&rec)
			if err != nil {
				return backoffAbort{err}
			}
			result = &rec
			if !changed {
				return nil
			}

			buf, err := json.Marshal(&rec)
			if err != nil {
				return backoffAbort{err}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, buf, c.ttl)
				return nil
			})
			return err
		}, key)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		up := &models.CallUpdate{
			Kind:   models.UpdateKindFields,
			CallID: id,
			Record: result,
		}
		c.publish(ctx, callName(id), up)
		c.publish(ctx, inboxName(result.ReceiverID), up)
	}
	return result, nil
}

func (c *RedisChannel) PublishCandidate(ctx context.Context, id string, cand *models.Candidate) error {
	return c.withRetry(ctx, func() error {
		data, err := json.Marshal(&models.CallUpdate{
			Kind:      models.UpdateKindCandidate,
			CallID:    id,
			Candidate: cand,
		})
		if err != nil {
			return backoffAbort{err}
		}
		return c.rdb.Publish(ctx, callName(id), data).Err()
	})
}

func (c *RedisChannel) SubscribeInbox(ctx context.Context, userID string, fn UpdateHandler) (Subscription, error) {
	return c.subscribe(ctx, inboxName(userID), fn)
}

func (c *RedisChannel) SubscribeCall(ctx context.Context, callID string, fn UpdateHandler) (Subscription, error) {
	return c.subscribe(ctx, callName(callID), fn)
}

func (c *RedisChannel) subscribe(ctx context.Context, name string, fn UpdateHandler) (Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, name)
	// Force the subscription onto the wire before returning, so no event
	// published after this call can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var up models.CallUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &up); err != nil {
				c.log.WithError(err).WithField("channel", name).Warn("dropping malformed signaling message")
				continue
			}
			fn(&up)
		}
	}()

	return pubsub, nil
}

// publish is fire-and-forget with retry; a lost event is recovered by the
// snapshot-carrying nature of later updates, so failures are logged only.
func (c *RedisChannel) publish(ctx context.Context, name string, up *models.CallUpdate) {
	data, err := json.Marshal(up)
	if err != nil {
		c.log.WithError(err).Error("failed to marshal signaling event")
		return
	}
	err = c.withRetry(ctx, func() error {
		return c.rdb.Publish(ctx, name, data).Err()
	})
	if err != nil {
		c.log.WithError(err).WithField("channel", name).Error("failed to publish signaling event")
	}
}

// backoffAbort marks errors that must not be retried (logical failures,
// not transport ones).
type backoffAbort struct{ err error }

func (b backoffAbort) Error() string { return b.err.Error() }
func (b backoffAbort) Unwrap() error { return b.err }

// withRetry runs op with capped exponential backoff. Transaction conflicts
// retry immediately; transport errors back off; backoffAbort errors return
// as-is. Exhausted retries surface as ErrChannelUnavailable.
func (c *RedisChannel) withRetry(ctx context.Context, op func() error) error {
	backoff := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		var abort backoffAbort
		if errors.As(err, &abort) {
			return abort.err
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Lost the WATCH race; retry immediately without burning backoff.
			attempt--
			continue
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrChannelUnavailable, lastErr)
}
