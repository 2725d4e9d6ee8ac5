package infra

import (
	"context"
	"sync"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// MemoryStore é um PointStore em memória com lock por chave.
//
// O mapa só é travado para localizar/criar a entrada; o read-modify-write de
// cada chave acontece sob o mutex da própria entrada, então chaves diferentes
// não se bloqueiam. Útil para testes e para uma única instância: o estado se
// perde no restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[domain.Key]*memEntry
	now     func() time.Time
}

type memEntry struct {
	mu  sync.Mutex
	rec domain.RateLimitRecord
	// dead marca entradas removidas pela limpeza; quem ainda segura o ponteiro
	// precisa resolver a chave de novo.
	dead bool
	// fresh marca entradas criadas e ainda não gravadas por um consume admitido.
	fresh bool
}

type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock define o relógio usado em CreatedAt/UpdatedAt.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[domain.Key]*memEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) entry(key domain.Key) *memEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		return ent
	}
	ent := &memEntry{rec: domain.RateLimitRecord{Key: key}, fresh: true}
	s.entries[key] = ent
	return ent
}

// Consume implementa domain.PointStore.
func (s *MemoryStore) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ConsumeResult{}, err
		}
		ent := s.entry(req.Key)
		ent.mu.Lock()
		if ent.dead {
			ent.mu.Unlock()
			continue
		}
		res := s.consumeLocked(ent, req)
		ent.mu.Unlock()
		return res, nil
	}
}

func (s *MemoryStore) consumeLocked(ent *memEntry, req domain.ConsumeRequest) domain.ConsumeResult {
	points := ent.rec.ActivePoints(req.NowMs)
	expire := req.NowMs + req.WindowMs
	if !ent.rec.Expired(req.NowMs) {
		expire = *ent.rec.Expire
	}

	if points+req.Cost > req.MaxPoints {
		return domain.ConsumeResult{Admitted: false, Points: points, Expire: expire}
	}

	now := s.now()
	if ent.fresh {
		ent.rec.CreatedAt = now
		ent.fresh = false
	}
	ent.rec.Points = points + req.Cost
	ent.rec.Expire = &expire
	ent.rec.UpdatedAt = now
	return domain.ConsumeResult{Admitted: true, Points: ent.rec.Points, Expire: expire}
}

// Peek implementa domain.PointStore.
func (s *MemoryStore) Peek(_ context.Context, key domain.Key) (*domain.RateLimitRecord, error) {
	s.mu.Lock()
	ent, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.dead || ent.fresh {
		return nil, nil
	}
	rec := ent.rec
	if rec.Expire != nil {
		exp := *rec.Expire
		rec.Expire = &exp
	}
	return &rec, nil
}

// CleanExpired implementa domain.PointStore.
func (s *MemoryStore) CleanExpired(_ context.Context, nowMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, ent := range s.entries {
		ent.mu.Lock()
		switch {
		case ent.fresh:
			// placeholder de um consume rejeitado: nunca virou registro.
			ent.dead = true
			delete(s.entries, k)
		case ent.rec.Expire != nil && *ent.rec.Expire < nowMs:
			ent.dead = true
			delete(s.entries, k)
			removed++
		}
		ent.mu.Unlock()
	}
	return removed, nil
}

// Len devolve quantas chaves estão no mapa (inclui placeholders ainda não gravados).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
