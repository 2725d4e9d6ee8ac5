// Package domain define contratos e tipos de domínio para o rate limit por pontos
// e para o limite de concorrência.
//
// Este pacote não depende de net/http nem de drivers de banco. Os tipos principais
// são RateLimitRecord (linha da tabela rate_limits), Decision (resposta do consume)
// e PointStore (contrato que cada backend implementa de forma atômica por chave).
package domain
