package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indica chamada mal formada (chave vazia, custo/janela/limite <= 0).
	// Nunca deve ser re-tentada: quem chama precisa corrigir a chamada.
	ErrInvalidArgument = errors.New("ratelimit: invalid argument")

	// ErrStorage indica falha do backend de persistência.
	ErrStorage = errors.New("ratelimit: storage failure")
)

// StorageError carrega a operação que falhou e o erro original do backend.
// errors.Is(err, ErrStorage) é verdadeiro para qualquer StorageError.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ratelimit: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError embrulha err; devolve nil se err for nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ValidateKey rejeita chave vazia ou maior que a coluna.
func ValidateKey(k Key) error {
	switch {
	case k == "":
		return invalidArgument("key must not be empty")
	case len(k) > MaxKeyLength:
		return invalidArgument("key longer than %d bytes", MaxKeyLength)
	}
	return nil
}

// Validate checa os parâmetros de um consume.
func (r ConsumeRequest) Validate() error {
	if err := ValidateKey(r.Key); err != nil {
		return err
	}
	switch {
	case r.Cost <= 0:
		return invalidArgument("cost must be > 0, got %d", r.Cost)
	case r.WindowMs <= 0:
		return invalidArgument("window must be >= 1ms, got %dms", r.WindowMs)
	case r.MaxPoints <= 0:
		return invalidArgument("maxPoints must be > 0, got %d", r.MaxPoints)
	}
	return nil
}
