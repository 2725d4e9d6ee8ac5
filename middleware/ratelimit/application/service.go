package application

import (
	"context"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

// Service concentra a regra de aplicação do rate limit por pontos.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Não guarda estado entre chamadas: toda decisão relê o storage.
type Service struct {
	Store domain.PointStore
	// Now permite fixar o relógio em testes. Se nil, usa time.Now.
	Now func() time.Time
	Log logrus.FieldLogger
}

// NowMs devolve o relógio do serviço em epoch ms.
func (s Service) NowMs() int64 {
	if s.Now != nil {
		return domain.ToMillis(s.Now())
	}
	return domain.ToMillis(time.Now())
}

func (s Service) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// Consume tenta gastar cost pontos de key numa janela de tamanho window com
// orçamento maxPoints.
//
// Estourar o orçamento devolve Decision{Allowed: false}, nunca erro.
// Erros possíveis: domain.ErrInvalidArgument e *domain.StorageError.
func (s Service) Consume(ctx context.Context, key domain.Key, cost int, window time.Duration, maxPoints int) (domain.Decision, error) {
	now := s.NowMs()
	req := domain.ConsumeRequest{
		Key:       key,
		Cost:      cost,
		WindowMs:  window.Milliseconds(),
		MaxPoints: maxPoints,
		NowMs:     now,
	}
	if err := req.Validate(); err != nil {
		return domain.Decision{}, err
	}
	if s.Store == nil {
		return domain.Decision{Allowed: true, Remaining: maxPoints, Limit: maxPoints}, nil
	}

	// custo maior que o orçamento nunca cabe: bloqueia sem escrever.
	if cost > maxPoints {
		return s.rejectOversized(ctx, req)
	}

	res, err := s.Store.Consume(ctx, req)
	if err != nil {
		s.logger().WithError(err).WithField("key", key).Debug("rate limit consume failed")
		return domain.Decision{}, domain.NewStorageError("consume", err)
	}

	if res.Admitted {
		return domain.Decision{
			Allowed:   true,
			Remaining: maxPoints - res.Points,
			Limit:     maxPoints,
			ResetAt:   res.Expire,
		}, nil
	}

	return domain.Decision{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxPoints,
		RetryAfter: retryAfter(res.Expire, now),
		ResetAt:    res.Expire,
	}, nil
}

func (s Service) rejectOversized(ctx context.Context, req domain.ConsumeRequest) (domain.Decision, error) {
	rec, err := s.Store.Peek(ctx, req.Key)
	if err != nil {
		return domain.Decision{}, domain.NewStorageError("peek", err)
	}
	expire := req.NowMs + req.WindowMs
	if rec != nil && !rec.Expired(req.NowMs) {
		expire = *rec.Expire
	}
	return domain.Decision{
		Allowed:    false,
		Limit:      req.MaxPoints,
		RetryAfter: retryAfter(expire, req.NowMs),
		ResetAt:    expire,
	}, nil
}

// Peek lê o registro de key sem alterá-lo. Devolve nil quando não existe.
func (s Service) Peek(ctx context.Context, key domain.Key) (*domain.RateLimitRecord, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	if s.Store == nil {
		return nil, nil
	}
	rec, err := s.Store.Peek(ctx, key)
	if err != nil {
		return nil, domain.NewStorageError("peek", err)
	}
	return rec, nil
}

// CleanExpired apaga registros cujo expire é anterior a now e devolve quantos saíram.
func (s Service) CleanExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.Store == nil {
		return 0, nil
	}
	n, err := s.Store.CleanExpired(ctx, domain.ToMillis(now))
	if err != nil {
		return 0, domain.NewStorageError("clean_expired", err)
	}
	return n, nil
}

func retryAfter(expireMs, nowMs int64) time.Duration {
	if expireMs <= nowMs {
		return 0
	}
	return time.Duration(expireMs-nowMs) * time.Millisecond
}
