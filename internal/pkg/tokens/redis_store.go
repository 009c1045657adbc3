package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each token under token:<ns>:<value> with a TTL matching
// its expiry, plus an owner set token-owner:<ns>:<principal> for RevokeAll.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func tokenKey(ns Namespace, value string) string {
	return fmt.Sprintf("token:%s:%s", ns, value)
}

func ownerSetKey(ns Namespace, principalID string) string {
	return fmt.Sprintf("token-owner:%s:%s", ns, principalID)
}

func (s *RedisStore) Put(ctx context.Context, ns Namespace, value string, e Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	owner := ownerSetKey(ns, e.PrincipalID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, tokenKey(ns, value), raw, ttl)
	pipe.SAdd(ctx, owner, value)
	// Tokens in a namespace share one TTL, so the newest entry outlives the rest.
	pipe.Expire(ctx, owner, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, ns Namespace, value string) (Entry, error) {
	raw, err := s.rdb.Get(ctx, tokenKey(ns, value)).Bytes()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode token entry: %w", err)
	}
	return e, nil
}

func (s *RedisStore) Delete(ctx context.Context, ns Namespace, value string) error {
	e, err := s.Get(ctx, ns, value)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, tokenKey(ns, value))
	pipe.SRem(ctx, ownerSetKey(ns, e.PrincipalID), value)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteOwner(ctx context.Context, ns Namespace, principalID string) (int, error) {
	owner := ownerSetKey(ns, principalID)
	values, err := s.rdb.SMembers(ctx, owner).Result()
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(values)+1)
	for _, v := range values {
		keys = append(keys, tokenKey(ns, v))
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	if err := s.rdb.Del(ctx, owner).Err(); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// DeleteExpired prunes owner sets of values whose key has already expired.
// Redis drops the token keys themselves when their TTL runs out, so the
// count is the number of dangling set members removed.
func (s *RedisStore) DeleteExpired(ctx context.Context, ns Namespace, _ time.Time) (int, error) {
	removed := 0
	iter := s.rdb.Scan(ctx, 0, ownerSetKey(ns, "*"), 100).Iterator()
	for iter.Next(ctx) {
		owner := iter.Val()
		values, err := s.rdb.SMembers(ctx, owner).Result()
		if err != nil {
			return removed, err
		}
		for _, v := range values {
			exists, err := s.rdb.Exists(ctx, tokenKey(ns, v)).Result()
			if err != nil {
				return removed, err
			}
			if exists == 0 {
				if err := s.rdb.SRem(ctx, owner, v).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, iter.Err()
}
