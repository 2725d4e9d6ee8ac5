// Package application contém os casos de uso (regras de aplicação) para rate limit
// e limite de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Consume(ctx, key, cost, window, max) retorna uma Decision
// (allow/deny + remaining + retry-after); Sweeper agenda Service.CleanExpired.
package application
