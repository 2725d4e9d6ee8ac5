package main

import (
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  upstream_url: http://localhost:8081
rate:
  window: 30s
  max_points: 5
  routes:
    - prefix: /auth
      name: auth
      window: 1m
      max_points: 2
storage:
  backend: sqlite
  sqlite:
    path: /tmp/rl.db
`)

	cfg, v, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Rate.Window)
	assert.Equal(t, 5, cfg.Rate.MaxPoints)
	assert.Equal(t, 429, cfg.Rate.RejectStatus)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/rl.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, "@every 1m", cfg.Sweeper.Schedule)
	require.Len(t, cfg.Rate.Routes, 1)
	assert.Equal(t, time.Minute, cfg.Rate.Routes[0].Window)
	assert.Equal(t, uint32(5), cfg.Breaker.MaxFailures)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  upstream_url: http://localhost:8081
rate:
  max_points: 5
`)
	t.Setenv("RATE_MAX_POINTS", "7")
	t.Setenv("RATE_WINDOW", "250ms")
	t.Setenv("STORAGE_BACKEND", "redis")

	cfg, _, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Rate.MaxPoints)
	assert.Equal(t, 250*time.Millisecond, cfg.Rate.Window)
	assert.Equal(t, "redis", cfg.Storage.Backend)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		var c Config
		c.Server.UpstreamURL = "http://localhost:8081"
		c.Rate.Window = time.Minute
		c.Rate.MaxPoints = 10
		c.Rate.RejectStatus = 429
		c.Storage.Backend = "memory"
		return c
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no upstream", func(c *Config) { c.Server.UpstreamURL = "" }, "server.upstream_url is required"},
		{"relative upstream", func(c *Config) { c.Server.UpstreamURL = "localhost" }, "not an absolute URL"},
		{"zero window", func(c *Config) { c.Rate.Window = 0 }, "rate.window must be >= 1ms"},
		{"zero max", func(c *Config) { c.Rate.MaxPoints = 0 }, "rate.max_points must be > 0"},
		{"max above int32", func(c *Config) { c.Rate.MaxPoints = math.MaxInt32 + 1 }, "rate.max_points must be <= 2147483647"},
		{"max at int32", func(c *Config) { c.Rate.MaxPoints = math.MaxInt32 }, ""},
		{"cost above int32", func(c *Config) { c.Rate.Cost = math.MaxInt32 + 1 }, "rate.cost must be <= 2147483647"},
		{"bad status", func(c *Config) { c.Rate.RejectStatus = 200 }, "rate.reject_status"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.sqlite.path"},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }, "redis.addr"},
		{"route without slash", func(c *Config) {
			c.Rate.Routes = []RouteConfig{{Prefix: "auth", Window: time.Second, MaxPoints: 1}}
		}, "rate.routes[0].prefix"},
		{"route bad max", func(c *Config) {
			c.Rate.Routes = []RouteConfig{{Prefix: "/auth", Window: time.Second}}
		}, "rate.routes[0].max_points"},
		{"route cost above int32", func(c *Config) {
			c.Rate.Routes = []RouteConfig{{Prefix: "/auth", Window: time.Second, MaxPoints: 1, Cost: math.MaxInt32 + 1}}
		}, "rate.routes[0].cost must be <="},
		{"negative concurrency", func(c *Config) { c.Concurrency.Max = -1 }, "concurrency.max"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestConfig_Policies(t *testing.T) {
	var c Config
	c.Rate.Window = time.Minute
	c.Rate.MaxPoints = 60
	c.Rate.Routes = []RouteConfig{{Prefix: "/auth", Name: "auth", Window: 10 * time.Second, MaxPoints: 3, Cost: 1}}

	fn := c.Policies()

	p := fn(httptest.NewRequest(http.MethodPost, "http://gw/auth/login", nil))
	assert.Equal(t, "auth", p.Name)
	assert.Equal(t, 3, p.MaxPoints)

	p = fn(httptest.NewRequest(http.MethodGet, "http://gw/api", nil))
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 60, p.MaxPoints)
	assert.Equal(t, 1, p.Cost)
}

func TestPolicyHolder_Swap(t *testing.T) {
	var c Config
	c.Rate.Window = time.Minute
	c.Rate.MaxPoints = 1

	h := &policyHolder{}
	h.Set(c.Policies())
	r := httptest.NewRequest(http.MethodGet, "http://gw/", nil)
	assert.Equal(t, 1, h.Policy(r).MaxPoints)

	c.Rate.MaxPoints = 9
	h.Set(c.Policies())
	assert.Equal(t, 9, h.Policy(r).MaxPoints)
}

func TestRequestLogger_SetsRequestID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(requestIDHeader)
		w.WriteHeader(http.StatusTeapot)
	})
	h := requestLogger(newLogger(LogConfig{Level: "error"}))(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gw/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(requestIDHeader))
	assert.Equal(t, http.StatusTeapot, w.Code)

	r := httptest.NewRequest(http.MethodGet, "http://gw/", nil)
	r.Header.Set(requestIDHeader, "abc")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "abc", seen)
}
