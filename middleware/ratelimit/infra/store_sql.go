package infra

import (
	"context"
	"errors"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"gorm.io/gorm"
)

// rateLimitRow mapeia a tabela rate_limits.
type rateLimitRow struct {
	Key       string    `gorm:"column:key;primaryKey;size:255"`
	Points    int       `gorm:"column:points;not null;default:0"`
	Expire    *int64    `gorm:"column:expire;index:idx_rate_limits_expire"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (rateLimitRow) TableName() string { return "rate_limits" }

func (r rateLimitRow) toRecord() *domain.RateLimitRecord {
	return &domain.RateLimitRecord{
		Key:       domain.Key(r.Key),
		Points:    r.Points,
		Expire:    r.Expire,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// consumeSQL é o upsert condicional: cria a chave, reinicia janela vencida
// (ou nula) ou soma o custo, e só escreve se o resultado couber em @max.
// Nenhuma linha em RETURNING significa bloqueio.
const consumeSQL = `
INSERT INTO rate_limits ("key", points, expire, created_at, updated_at)
VALUES (@key, @cost, @fresh_expire, @ts, @ts)
ON CONFLICT ("key") DO UPDATE SET
	points = CASE
		WHEN rate_limits.expire IS NULL OR rate_limits.expire <= @now THEN excluded.points
		ELSE rate_limits.points + excluded.points
	END,
	expire = CASE
		WHEN rate_limits.expire IS NULL OR rate_limits.expire <= @now THEN excluded.expire
		ELSE rate_limits.expire
	END,
	updated_at = excluded.updated_at
WHERE rate_limits.expire IS NULL
	OR rate_limits.expire <= @now
	OR rate_limits.points + excluded.points <= @max
RETURNING points, expire`

type consumeRow struct {
	Points int
	Expire *int64
}

// SQLStore é o PointStore persistente (Postgres ou SQLite via gorm).
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Consume implementa domain.PointStore com um único statement atômico.
func (s *SQLStore) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	if req.Cost > req.MaxPoints {
		return s.rejected(ctx, req)
	}

	ts := time.UnixMilli(req.NowMs).UTC()
	var rows []consumeRow
	err := s.db.WithContext(ctx).Raw(consumeSQL, map[string]interface{}{
		"key":          string(req.Key),
		"cost":         req.Cost,
		"fresh_expire": req.NowMs + req.WindowMs,
		"ts":           ts,
		"now":          req.NowMs,
		"max":          req.MaxPoints,
	}).Scan(&rows).Error
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	if len(rows) == 0 {
		return s.rejected(ctx, req)
	}

	res := domain.ConsumeResult{Admitted: true, Points: rows[0].Points}
	if rows[0].Expire != nil {
		res.Expire = *rows[0].Expire
	}
	return res, nil
}

// rejected lê a janela que bloqueou para calcular o retry-after.
func (s *SQLStore) rejected(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	rec, err := s.Peek(ctx, req.Key)
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	if rec == nil || rec.Expired(req.NowMs) {
		if req.Cost > req.MaxPoints {
			return domain.ConsumeResult{Expire: req.NowMs + req.WindowMs}, nil
		}
		// a linha foi varrida entre o upsert e a leitura.
		return domain.ConsumeResult{}, nil
	}
	return domain.ConsumeResult{Points: rec.Points, Expire: *rec.Expire}, nil
}

// Peek implementa domain.PointStore.
func (s *SQLStore) Peek(ctx context.Context, key domain.Key) (*domain.RateLimitRecord, error) {
	var row rateLimitRow
	if err := s.db.WithContext(ctx).
		Where(`"key" = ?`, string(key)).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return row.toRecord(), nil
}

// CleanExpired implementa domain.PointStore.
func (s *SQLStore) CleanExpired(ctx context.Context, nowMs int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expire IS NOT NULL AND expire < ?", nowMs).
		Delete(&rateLimitRow{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
