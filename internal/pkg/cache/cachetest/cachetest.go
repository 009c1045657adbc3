// Package cachetest hands tests a private Redis database and skips them when
// no server answers.
package cachetest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

// candidates lists CACHE_HOST first, then the compose service name, then
// loopback.
func candidates() []string {
	port := env.GetEnv("CACHE_PORT", "6379")
	var out []string
	for _, host := range []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost"} {
		if host == "" {
			continue
		}
		addr := net.JoinHostPort(host, port)
		dup := false
		for _, seen := range out {
			dup = dup || seen == addr
		}
		if !dup {
			out = append(out, addr)
		}
	}
	return out
}

func reachable(addr, password string) error {
	ping := redis.NewClient(&redis.Options{Addr: addr, Password: password, MaxRetries: -1})
	defer ping.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return ping.Ping(ctx).Err()
}

// NewIsolatedClient returns a client on database db, emptied before the test
// and again at cleanup. Packages pick distinct db numbers so they can run in
// parallel.
func NewIsolatedClient(t testing.TB, db int) *redis.Client {
	t.Helper()

	password := env.GetEnv("CACHE_PASSWORD", "")
	var lastErr error
	for _, addr := range candidates() {
		if lastErr = reachable(addr, password); lastErr != nil {
			continue
		}

		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
		if err := rdb.FlushDB(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			t.Fatalf("flush redis db %d on %s: %v", db, addr, err)
		}
		t.Cleanup(func() {
			_ = rdb.FlushDB(context.Background()).Err()
			_ = rdb.Close()
		})
		return rdb
	}

	t.Skipf("redis not reachable, skipping (%v)", lastErr)
	return nil
}
