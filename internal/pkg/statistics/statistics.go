package statistics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/metrics/counter"
)

const (
	CacheKeySystem  = "statistics:system"
	CacheExpiration = 5 * time.Minute
	HistoryDays     = 7
)

// Collector builds the admin overview from the repositories and the usage
// counter. When a Redis client is set the result is cached for
// CacheExpiration.
type Collector struct {
	repos   *repository.Repositories
	counter counter.Counter
	rdb     *redis.Client
	clock   clock.Clock
	loc     *time.Location

	// guards lastUpdate for the process-local fallback when rdb is nil
	mu         sync.Mutex
	lastUpdate time.Time
	last       *models.SystemStats
}

func NewCollector(repos *repository.Repositories, c counter.Counter, rdb *redis.Client, clk clock.Clock, loc *time.Location) *Collector {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Collector{repos: repos, counter: c, rdb: rdb, clock: clk, loc: loc}
}

// Get returns the cached overview, collecting it when missing or stale.
func (c *Collector) Get(ctx context.Context) (*models.SystemStats, error) {
	if cached := c.cached(ctx); cached != nil {
		return cached, nil
	}
	stats, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, stats)
	return stats, nil
}

// Invalidate drops the cached overview.
func (c *Collector) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.last = nil
	c.lastUpdate = time.Time{}
	c.mu.Unlock()
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, CacheKeySystem).Err(); err != nil {
			log.Warnf("[Statistics] invalidate cache: %v", err)
		}
	}
}

func (c *Collector) cached(ctx context.Context) *models.SystemStats {
	if c.rdb == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.last != nil && c.clock.Now().Sub(c.lastUpdate) < CacheExpiration {
			out := *c.last
			return &out
		}
		return nil
	}

	raw, err := c.rdb.Get(ctx, CacheKeySystem).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warnf("[Statistics] read cache: %v", err)
		}
		return nil
	}
	var stats models.SystemStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil
	}
	return &stats
}

func (c *Collector) store(ctx context.Context, stats *models.SystemStats) {
	if c.rdb == nil {
		c.mu.Lock()
		cp := *stats
		c.last = &cp
		c.lastUpdate = c.clock.Now()
		c.mu.Unlock()
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, CacheKeySystem, raw, CacheExpiration).Err(); err != nil {
		log.Warnf("[Statistics] write cache: %v", err)
	}
}

// Collect reads the overview straight from storage.
func (c *Collector) Collect(ctx context.Context) (*models.SystemStats, error) {
	var (
		stats models.SystemStats
		err   error
	)
	if stats.TotalUsers, err = c.repos.User.Count(ctx); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if stats.ActiveUsers, err = c.repos.User.CountActive(ctx); err != nil {
		return nil, fmt.Errorf("count active users: %w", err)
	}
	if stats.TotalOrders, err = c.repos.Order.Count(ctx); err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	if stats.TotalLicenses, err = c.repos.License.Count(ctx); err != nil {
		return nil, fmt.Errorf("count licenses: %w", err)
	}
	if stats.OrderStats, err = c.repos.Order.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count orders by status: %w", err)
	}
	if stats.PlanStats, err = c.repos.License.CountByPlan(ctx); err != nil {
		return nil, fmt.Errorf("count licenses by plan: %w", err)
	}

	if c.counter != nil {
		now := c.clock.Now()
		if stats.SummariesToday, err = c.counter.Get(ctx, clock.Day(now, c.loc)); err != nil {
			log.Warnf("[Statistics] usage counter unavailable: %v", err)
		}
		history, err := c.counter.History(ctx, counter.LastDays(now, c.loc, HistoryDays))
		if err != nil {
			log.Warnf("[Statistics] usage history unavailable: %v", err)
		} else {
			stats.UsageHistory = history
		}
	}
	return &stats, nil
}
