package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerStore envolve um PointStore com circuit breaker. Com o circuito
// aberto as chamadas falham na hora (gobreaker.ErrOpenState), sem bater no
// backend; não há retry aqui.
type BreakerStore struct {
	next    domain.PointStore
	breaker *gobreaker.CircuitBreaker
}

type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	Log         logrus.FieldLogger
}

func NewBreakerStore(next domain.PointStore, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "ratelimit-store"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// cancelamento do cliente não diz nada sobre a saúde do storage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if cfg.Log != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.Log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("rate limit storage breaker changed state")
		}
	}
	return &BreakerStore{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerStore) State() gobreaker.State { return b.breaker.State() }

func (b *BreakerStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("breaker (%s): %w", b.breaker.Name(), err)
}

// Consume implementa domain.PointStore.
func (b *BreakerStore) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Consume(ctx, req)
	})
	if err != nil {
		return domain.ConsumeResult{}, b.wrap(err)
	}
	return out.(domain.ConsumeResult), nil
}

// Peek implementa domain.PointStore.
func (b *BreakerStore) Peek(ctx context.Context, key domain.Key) (*domain.RateLimitRecord, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Peek(ctx, key)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return out.(*domain.RateLimitRecord), nil
}

// CleanExpired implementa domain.PointStore.
func (b *BreakerStore) CleanExpired(ctx context.Context, nowMs int64) (int64, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.CleanExpired(ctx, nowMs)
	})
	if err != nil {
		return 0, b.wrap(err)
	}
	return out.(int64), nil
}
