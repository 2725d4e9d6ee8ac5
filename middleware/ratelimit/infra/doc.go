// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
//   - SQLStore: tabela rate_limits via gorm (Postgres ou SQLite), upsert condicional
//   - RedisStore: hash por chave + sorted set de expiração, scripts Lua
//   - MemoryStore: mapa com lock por chave, para testes e instância única
//   - BreakerStore: circuit breaker (gobreaker) na frente de qualquer PointStore
//   - estatísticas em memória, Redis e Prometheus
//   - ChanPool: semáforo simples para limite de concorrência
package infra
