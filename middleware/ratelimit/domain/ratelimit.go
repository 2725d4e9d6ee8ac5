package domain

// Camada de domínio do rate limit por pontos.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http nem de drivers.

import (
	"context"
	"time"
)

// Key identifica o sujeito limitado (ex: "ip:1.2.3.4", "user:42").
type Key string

// MaxKeyLength é o tamanho máximo de chave aceito pela coluna rate_limits.key.
const MaxKeyLength = 255

// RateLimitRecord é o estado persistido de uma chave.
//
// Expire é epoch em milissegundos; nil significa "sem janela ativa" e é tratado
// como expirado.
type RateLimitRecord struct {
	Key       Key
	Points    int
	Expire    *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired informa se a janela do registro já terminou em nowMs.
func (r RateLimitRecord) Expired(nowMs int64) bool {
	return r.Expire == nil || *r.Expire <= nowMs
}

// ActivePoints devolve os pontos que contam para decisão em nowMs:
// um registro expirado vale zero, independente do valor gravado.
func (r RateLimitRecord) ActivePoints(nowMs int64) int {
	if r.Expired(nowMs) {
		return 0
	}
	return r.Points
}

// Policy descreve o orçamento de uma janela. É passada a cada chamada,
// então vários limitadores podem dividir o mesmo storage.
type Policy struct {
	Name      string
	Window    time.Duration
	MaxPoints int
	Cost      int
}

// Decision é o resultado de um consume.
//
// Estourar o orçamento não é erro: é Allowed=false com RetryAfter preenchido.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	// RetryAfter é quanto falta para a janela reiniciar quando bloqueado.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
	// ResetAt é o fim da janela atual em epoch ms (0 se desconhecido).
	ResetAt int64
}

// ConsumeRequest é o pedido já validado que chega ao storage.
type ConsumeRequest struct {
	Key       Key
	Cost      int
	WindowMs  int64
	MaxPoints int
	NowMs     int64
}

// ConsumeResult descreve o estado da chave depois da escrita condicional.
//
// Admitted=false significa que nada foi gravado; Points/Expire refletem a
// janela que bloqueou (Expire=0 se o registro sumiu entre a escrita e a leitura).
type ConsumeResult struct {
	Admitted bool
	Points   int
	Expire   int64
}

// PointStore é o contrato de persistência do limitador.
//
// Consume deve ser atômico por chave: leitura, checagem e escrita acontecem
// como uma única operação (upsert condicional, script Lua, lock por chave).
// Chaves diferentes não podem se bloquear.
type PointStore interface {
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	// Peek não altera estado; devolve nil, nil quando a chave não existe.
	Peek(ctx context.Context, key Key) (*RateLimitRecord, error)
	// CleanExpired remove registros com expire não nulo e < nowMs.
	CleanExpired(ctx context.Context, nowMs int64) (int64, error)
}

// ToMillis converte um time.Time para epoch ms.
func ToMillis(t time.Time) int64 { return t.UnixMilli() }
