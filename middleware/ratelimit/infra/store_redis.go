package infra

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// consumeScript faz load/checagem/escrita de uma chave de forma atômica.
//
// KEYS[1] = hash do registro, KEYS[2] = sorted set de expiração
// ARGV    = membro(chave), custo, janela ms, máximo, agora ms
//
// Epoch em ms cabe exato no double do Lua (< 2^53).
var consumeScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'points', 'expire')
local points = tonumber(vals[1])
local expire = tonumber(vals[2])
local cost = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local max = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

if points == nil or expire == nil or expire <= now then
	points = 0
	expire = now + window
end

if points + cost > max then
	return {0, points, expire}
end

points = points + cost
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'created_at', now)
end
redis.call('HSET', KEYS[1], 'points', points, 'expire', expire, 'updated_at', now)
redis.call('ZADD', KEYS[2], expire, ARGV[1])
return {1, points, expire}
`)

// cleanScript apaga até ARGV[3] registros com expire < ARGV[1].
//
// KEYS[1] = sorted set de expiração, ARGV[2] = prefixo dos hashes.
// Monta nomes de chave dentro do script: não é compatível com Redis Cluster.
var cleanScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, m in ipairs(members) do
	redis.call('DEL', ARGV[2] .. m)
	redis.call('ZREM', KEYS[1], m)
end
return #members
`)

// RedisStore é um PointStore distribuído: várias instâncias do gateway
// dividem o mesmo orçamento por chave.
type RedisStore struct {
	rdb       redis.Cmdable
	prefix    string
	batchSize int
}

type RedisStoreOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithCleanBatch limita quantos registros cada script de limpeza apaga de uma vez.
func WithCleanBatch(n int) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func NewRedisStore(rdb redis.Cmdable, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:       rdb,
		prefix:    "ratelimit",
		batchSize: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordPrefix() string { return s.prefix + ":rec:" }
func (s *RedisStore) recordKey(k domain.Key) string { return s.recordPrefix() + string(k) }
func (s *RedisStore) expireKey() string { return s.prefix + ":expire" }

// Consume implementa domain.PointStore.
func (s *RedisStore) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	vals, err := consumeScript.Run(ctx, s.rdb,
		[]string{s.recordKey(req.Key), s.expireKey()},
		string(req.Key), req.Cost, req.WindowMs, req.MaxPoints, req.NowMs,
	).Int64Slice()
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	if len(vals) != 3 {
		return domain.ConsumeResult{}, errors.New("unexpected consume script reply")
	}
	return domain.ConsumeResult{
		Admitted: vals[0] == 1,
		Points:   int(vals[1]),
		Expire:   vals[2],
	}, nil
}

// Peek implementa domain.PointStore.
func (s *RedisStore) Peek(ctx context.Context, key domain.Key) (*domain.RateLimitRecord, error) {
	vals, err := s.rdb.HMGet(ctx, s.recordKey(key), "points", "expire", "created_at", "updated_at").Result()
	if err != nil {
		return nil, err
	}
	if len(vals) != 4 || vals[0] == nil {
		return nil, nil
	}

	rec := &domain.RateLimitRecord{Key: key}
	points, err := parseRedisInt(vals[0])
	if err != nil {
		return nil, err
	}
	rec.Points = int(points)
	if vals[1] != nil {
		exp, err := parseRedisInt(vals[1])
		if err != nil {
			return nil, err
		}
		rec.Expire = &exp
	}
	if ms, err := parseRedisInt(vals[2]); err == nil {
		rec.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := parseRedisInt(vals[3]); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

// CleanExpired implementa domain.PointStore. Cada lote é atômico; o total
// soma os lotes até sobrar menos que batchSize.
func (s *RedisStore) CleanExpired(ctx context.Context, nowMs int64) (int64, error) {
	var total int64
	for {
		n, err := cleanScript.Run(ctx, s.rdb,
			[]string{s.expireKey()},
			nowMs, s.recordPrefix(), s.batchSize,
		).Int64()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(s.batchSize) {
			return total, nil
		}
	}
}

func parseRedisInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(t, 10, 64)
	case int64:
		return t, nil
	case nil:
		return 0, redis.Nil
	default:
		return 0, errors.New("unexpected redis value type")
	}
}
