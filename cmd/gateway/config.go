package main

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Rate        RateConfig        `mapstructure:"rate"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	UpstreamURL     string        `mapstructure:"upstream_url"`
	AdminAddr       string        `mapstructure:"admin_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RouteConfig struct {
	Prefix    string        `mapstructure:"prefix"`
	Name      string        `mapstructure:"name"`
	Window    time.Duration `mapstructure:"window"`
	MaxPoints int           `mapstructure:"max_points"`
	Cost      int           `mapstructure:"cost"`
}

type RateConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Window       time.Duration `mapstructure:"window"`
	MaxPoints    int           `mapstructure:"max_points"`
	Cost         int           `mapstructure:"cost"`
	KeyHeader    string        `mapstructure:"key_header"`
	TrustXFF     bool          `mapstructure:"trust_xff"`
	FailOpen     bool          `mapstructure:"fail_open"`
	AddHeaders   bool          `mapstructure:"add_headers"`
	RejectStatus int           `mapstructure:"reject_status"`
	Routes       []RouteConfig `mapstructure:"routes"`
}

type StorageConfig struct {
	// memory | sqlite | postgres | redis
	Backend string `mapstructure:"backend"`
	SQLite  struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type SweeperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type StatsConfig struct {
	Redis      bool          `mapstructure:"redis"`
	Prometheus bool          `mapstructure:"prometheus"`
	Prefix     string        `mapstructure:"prefix"`
	TTL        time.Duration `mapstructure:"ttl"`
	Bucket     string        `mapstructure:"bucket"`
	TrackKeys  bool          `mapstructure:"track_keys"`
}

type ConcurrencyConfig struct {
	Max     int           `mapstructure:"max"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaults registra todas as chaves; sem default o AutomaticEnv não
// enxerga a variável no Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.upstream_url", "")
	v.SetDefault("server.admin_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("rate.enabled", true)
	v.SetDefault("rate.window", time.Minute)
	v.SetDefault("rate.max_points", 60)
	v.SetDefault("rate.cost", 1)
	v.SetDefault("rate.key_header", "")
	v.SetDefault("rate.trust_xff", false)
	v.SetDefault("rate.fail_open", false)
	v.SetDefault("rate.add_headers", false)
	v.SetDefault("rate.reject_status", 429)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sqlite.path", "ratelimit.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "ratelimit")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "ratelimit")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", application.DefaultSweepSchedule)

	v.SetDefault("stats.redis", false)
	v.SetDefault("stats.prometheus", true)
	v.SetDefault("stats.prefix", "ratelimit:stats")
	v.SetDefault("stats.ttl", 24*time.Hour)
	v.SetDefault("stats.bucket", "minute")
	v.SetDefault("stats.track_keys", false)

	v.SetDefault("concurrency.max", 100)
	v.SetDefault("concurrency.timeout", 0)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// newViper monta a instância: arquivo opcional (YAML) + variáveis de ambiente
// com "." trocado por "_" (RATE_MAX_POINTS, STORAGE_BACKEND, ...).
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig lê arquivo + ambiente e valida. O *viper.Viper volta para
// quem quiser observar mudanças no arquivo.
func LoadConfig(path string) (*Config, *viper.Viper, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.UpstreamURL) == "" {
		return errors.New("server.upstream_url is required")
	}
	if u, err := url.Parse(c.Server.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.upstream_url %q is not an absolute URL", c.Server.UpstreamURL)
	}
	if err := validatePolicy("rate", c.Rate.Window, c.Rate.MaxPoints, c.Rate.Cost); err != nil {
		return err
	}
	for i, r := range c.Rate.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("rate.routes[%d].prefix must start with /", i)
		}
		if err := validatePolicy(fmt.Sprintf("rate.routes[%d]", i), r.Window, r.MaxPoints, r.Cost); err != nil {
			return err
		}
	}
	if c.Rate.RejectStatus < 400 || c.Rate.RejectStatus > 599 {
		return errors.New("rate.reject_status must be a 4xx or 5xx status")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "memory", "redis", infra.DriverPostgres:
	case infra.DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of memory, sqlite, postgres, redis", c.Storage.Backend)
	}
	if (c.Storage.Backend == "redis" || c.Stats.Redis) && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis is used")
	}

	if c.Concurrency.Max < 0 {
		return errors.New("concurrency.max must be >= 0")
	}
	return nil
}

func validatePolicy(prefix string, window time.Duration, maxPoints, cost int) error {
	switch {
	case window < time.Millisecond:
		return fmt.Errorf("%s.window must be >= 1ms", prefix)
	case maxPoints <= 0:
		return fmt.Errorf("%s.max_points must be > 0", prefix)
	case maxPoints > math.MaxInt32:
		// a coluna points é INTEGER de 32 bits
		return fmt.Errorf("%s.max_points must be <= %d", prefix, math.MaxInt32)
	case cost < 0:
		return fmt.Errorf("%s.cost must be >= 0", prefix)
	case cost > math.MaxInt32:
		return fmt.Errorf("%s.cost must be <= %d", prefix, math.MaxInt32)
	}
	return nil
}

// Policies converte a seção rate em PolicyFunc (prefixo mais longo ganha).
func (c *Config) Policies() ratelimit.PolicyFunc {
	def := domain.Policy{Name: "default", Window: c.Rate.Window, MaxPoints: c.Rate.MaxPoints, Cost: c.Rate.Cost}
	routes := make([]ratelimit.RoutePolicy, 0, len(c.Rate.Routes))
	for _, r := range c.Rate.Routes {
		routes = append(routes, ratelimit.RoutePolicy{
			Prefix: r.Prefix,
			Policy: domain.Policy{Name: r.Name, Window: r.Window, MaxPoints: r.MaxPoints, Cost: r.Cost},
		})
	}
	return ratelimit.RoutePolicies(def, routes)
}

// watchConfig recarrega o arquivo a cada escrita. Só políticas e nível de log
// mudam em runtime; config inválida é ignorada e a anterior continua valendo.
func watchConfig(v *viper.Viper, log *logrus.Logger, apply func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decodeConfig(v)
		if err != nil {
			log.WithError(err).WithField("file", e.Name).Error("ignoring invalid config reload")
			return
		}
		apply(cfg)
		log.WithField("file", e.Name).Info("config reloaded")
	})
	v.WatchConfig()
}
