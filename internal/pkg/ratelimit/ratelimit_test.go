package ratelimit

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimitsPerWindow(t *testing.T) {
	app := fiber.New()
	app.Use(New(Rule{Max: 2, Window: time.Minute}, nil, func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusTooManyRequests).SendString(ErrTooManyRequests.Code)
	}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRulesFromEnv(t *testing.T) {
	t.Setenv("API_RATE_LIMIT_MAX", "7")
	t.Setenv("VERIFICATION_RATE_LIMIT_WINDOW", "30s")

	assert.Equal(t, 7, APIRule().Max)
	assert.Equal(t, time.Minute, APIRule().Window)
	assert.Equal(t, 5, VerificationRule().Max)
	assert.Equal(t, 30*time.Second, VerificationRule().Window)
}

type mapStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapStorage) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *mapStorage) Set(key string, val []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), val...)
	return nil
}

func (m *mapStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapStorage) Reset() error { return nil }
func (m *mapStorage) Close() error { return nil }

func TestRulesSharingStorageKeepSeparateCounters(t *testing.T) {
	store := &mapStorage{data: map[string][]byte{}}
	reject := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusTooManyRequests) }
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }

	app := fiber.New()
	app.Get("/a", New(Rule{Name: "a", Max: 1, Window: time.Minute}, store, reject), ok)
	app.Get("/b", New(Rule{Name: "b", Max: 1, Window: time.Minute}, store, reject), ok)

	resp, err := app.Test(httptest.NewRequest("GET", "/a", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/b", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/a", nil))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
}
