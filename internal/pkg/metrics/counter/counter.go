package counter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/redis/go-redis/v9"
)

const (
	// usageDailyKey is a hash of day -> committed actions.
	usageDailyKey = "usage:counters:daily"
	// usageDailyByActionKey is a hash of "<day>:<action>" -> committed actions.
	usageDailyByActionKey = "usage:counters:daily:action"
)

// Counter records committed usage per calendar day. Counts are
// best effort and never gate access.
type Counter interface {
	Add(ctx context.Context, day, action string) error
	Get(ctx context.Context, day string) (int64, error)
	History(ctx context.Context, days []string) ([]models.DailyStats, error)
}

// RedisCounter keeps the counters in Redis hashes.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Add(ctx context.Context, day, action string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, usageDailyKey, day, 1)
	pipe.HIncrBy(ctx, usageDailyByActionKey, day+":"+action, 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCounter) Get(ctx context.Context, day string) (int64, error) {
	v, err := c.rdb.HGet(ctx, usageDailyKey, day).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (c *RedisCounter) History(ctx context.Context, days []string) ([]models.DailyStats, error) {
	if len(days) == 0 {
		return []models.DailyStats{}, nil
	}
	vals, err := c.rdb.HMGet(ctx, usageDailyKey, days...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DailyStats, len(days))
	for i, day := range days {
		out[i] = models.DailyStats{Date: day}
		if s, ok := vals[i].(string); ok {
			n, _ := strconv.Atoi(s)
			out[i].Count = n
		}
	}
	return out, nil
}

// MemoryCounter is the process-local Counter.
type MemoryCounter struct {
	mu     sync.Mutex
	daily  map[string]int64
	action map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{daily: make(map[string]int64), action: make(map[string]int64)}
}

func (c *MemoryCounter) Add(_ context.Context, day, action string) error {
	c.mu.Lock()
	c.daily[day]++
	c.action[day+":"+action]++
	c.mu.Unlock()
	return nil
}

func (c *MemoryCounter) Get(_ context.Context, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daily[day], nil
}

func (c *MemoryCounter) History(_ context.Context, days []string) ([]models.DailyStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.DailyStats, len(days))
	for i, day := range days {
		out[i] = models.DailyStats{Date: day, Count: int(c.daily[day])}
	}
	return out, nil
}

// LastDays returns the n calendar days ending at now, oldest first.
func LastDays(now time.Time, loc *time.Location, n int) []string {
	days := make([]string, n)
	for i := 0; i < n; i++ {
		days[n-1-i] = clock.Day(now.AddDate(0, 0, -i), loc)
	}
	return days
}
