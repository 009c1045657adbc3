package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "verification:"
	maxRetries = 10
)

// RedisStore keeps codes under verification:<email>. Update uses WATCH so a
// concurrent writer makes the transaction retry.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func codeKey(email string) string {
	return keyPrefix + NormalizeEmail(email)
}

func decode(raw []byte) (Code, error) {
	var c Code
	if err := json.Unmarshal(raw, &c); err != nil {
		return Code{}, fmt.Errorf("decode verification code: %w", err)
	}
	return c, nil
}

func (s *RedisStore) Get(ctx context.Context, email string) (Code, error) {
	raw, err := s.rdb.Get(ctx, codeKey(email)).Bytes()
	if err == redis.Nil {
		return Code{}, ErrNotFound
	}
	if err != nil {
		return Code{}, err
	}
	return decode(raw)
}

func (s *RedisStore) Update(ctx context.Context, email string, fn func(cur *Code) (Code, Op, error)) error {
	key := codeKey(email)

	for i := 0; i < maxRetries; i++ {
		var fnErr error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var cur *Code
			raw, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == redis.Nil:
			case err != nil:
				return err
			default:
				c, err := decode(raw)
				if err != nil {
					return err
				}
				cur = &c
			}

			next, op, err := fn(cur)
			fnErr = err

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				switch op {
				case Save:
					payload, err := json.Marshal(next)
					if err != nil {
						return err
					}
					// Lifetime as issued; Get callers still check Expired
					// against their own clock.
					ttl := next.ExpiresAt.Sub(next.SentAt)
					if ttl < ResendWindow {
						ttl = ResendWindow
					}
					pipe.Set(ctx, key, payload, ttl)
				case Remove:
					pipe.Del(ctx, key)
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return fnErr
	}
	return fmt.Errorf("verification update for %s: too much contention", NormalizeEmail(email))
}

func (s *RedisStore) Delete(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, codeKey(email)).Err()
}

// DeleteExpired removes records whose ExpiresAt has passed. Keys also carry a
// Redis TTL, so this mostly catches records written by a skewed clock.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n := 0
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return n, err
		}
		c, err := decode(raw)
		if err != nil || c.Expired(now) {
			if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, iter.Err()
}
