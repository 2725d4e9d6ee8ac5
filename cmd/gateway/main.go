package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// policyHolder deixa trocar as políticas em runtime (reload de config) sem
// remontar a cadeia de middlewares.
type policyHolder struct {
	fn atomic.Pointer[ratelimit.PolicyFunc]
}

func (h *policyHolder) Set(fn ratelimit.PolicyFunc) { h.fn.Store(&fn) }

func (h *policyHolder) Policy(r *http.Request) domain.Policy {
	return (*h.fn.Load())(r)
}

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	envErr := godotenv.Load(envFile)

	cfg, v, err := LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}
	log := newLogger(cfg.Log)
	if envErr != nil {
		log.Debug("no .env file found, using system environment variables")
	}

	if err := run(cfg, v, log); err != nil {
		log.WithError(err).Fatal("gateway stopped with error")
	}
}

func run(cfg *Config, v *viper.Viper, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, err := url.Parse(cfg.Server.UpstreamURL)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb, err = newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
	}

	store, closeStore, err := openPointStore(cfg, log, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Breaker.Enabled {
		store = infra.NewBreakerStore(store, infra.BreakerConfig{
			Name:        "ratelimit-" + cfg.Storage.Backend,
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
			Log:         log,
		})
	}
	svc := application.Service{Store: store, Log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	memStats := infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.Stats.TrackKeys))
	stats := infra.MultiStats{memStats}
	var sweepObserver domain.SweepObserver
	if cfg.Stats.Prometheus {
		prom := infra.NewPrometheusStats(reg)
		stats = append(stats, prom)
		sweepObserver = prom
	}
	if cfg.Stats.Redis {
		stats = append(stats, infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.Stats.Prefix),
			infra.WithStatsTTL(cfg.Stats.TTL),
			infra.WithStatsBucket(cfg.Stats.Bucket),
			infra.WithStatsTrackKeys(cfg.Stats.TrackKeys),
		))
	}

	policies := &policyHolder{}
	policies.Set(cfg.Policies())
	watchConfig(v, log, func(next *Config) {
		policies.Set(next.Policies())
		setLevel(log, next.Log.Level)
	})

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).WithFields(logrus.Fields{
			"request_id": r.Header.Get(requestIDHeader),
			"path":       r.URL.Path,
		}).Warn("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := http.Handler(proxy)
	if cfg.Concurrency.Max > 0 {
		pool := infra.NewChanPool(cfg.Concurrency.Max)
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Requests currently holding a concurrency slot",
		}, func() float64 { return float64(pool.InUse()) })
		h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Pool:           pool,
			RejectStatus:   http.StatusServiceUnavailable,
			AcquireTimeout: cfg.Concurrency.Timeout,
		})(h)
	}
	if cfg.Rate.Enabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Service:             svc,
			Stats:               stats,
			Log:                 log,
			KeyHeader:           cfg.Rate.KeyHeader,
			TrustXForwardedFor:  cfg.Rate.TrustXFF,
			PolicyFn:            policies.Policy,
			RejectStatus:        cfg.Rate.RejectStatus,
			FailOpen:            cfg.Rate.FailOpen,
			AddRateLimitHeaders: cfg.Rate.AddHeaders,
		})(h)
	}
	h = requestLogger(log)(h)

	admin := newAdminMux(reg, svc, memStats)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           admin,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Sweeper.Enabled {
		opts := []application.SweeperOption{application.WithSweepLogger(log)}
		if sweepObserver != nil {
			opts = append(opts, application.WithSweepObserver(sweepObserver))
		}
		sweeper := application.NewSweeper(svc, cfg.Sweeper.Schedule, opts...)
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":     cfg.Server.ListenAddr,
			"upstream": target.String(),
			"backend":  cfg.Storage.Backend,
			"rate":     cfg.Rate.Enabled,
			"window":   cfg.Rate.Window.String(),
			"max":      cfg.Rate.MaxPoints,
		}).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", cfg.Server.AdminAddr).Info("admin listening")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return errors.Join(srv.Shutdown(shutdownCtx), adminSrv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// newAdminMux monta as rotas do listener admin (server.admin_addr).
func newAdminMux(reg *prometheus.Registry, svc application.Service, memStats *infra.MemoryStatsStore) *http.ServeMux {
	admin := http.NewServeMux()
	admin.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	admin.Handle("/ratelimit/inspect", ratelimit.InspectHandler(svc))
	admin.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"total":     memStats.Total(),
			"by_policy": memStats.ByPolicy(),
			"by_route":  memStats.ByRoute(),
		})
	})
	admin.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return admin
}
