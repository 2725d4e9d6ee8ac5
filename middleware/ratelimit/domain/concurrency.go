package domain

import (
	"context"
	"errors"
)

// ErrNoSlot indica que nenhuma vaga de concorrência ficou livre dentro do prazo.
var ErrNoSlot = errors.New("ratelimit: no concurrency slot available")

// SlotPool representa um recurso com capacidade finita (ex: requests em voo
// atravessando o gateway).
//
// Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	// InUse devolve quantas vagas estão ocupadas agora.
	InUse() int
	Cap() int
}
