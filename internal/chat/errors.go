package chat

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound           = errors.New("chat: not found")
	ErrDuplicateKey       = errors.New("chat: duplicate key")
	ErrTransactionAborted = errors.New("chat: transaction aborted")
	ErrOrderConflict      = errors.New("chat: order index conflict")
	ErrEngineFailure      = errors.New("chat: engine failure")
	ErrTurnInFlight       = errors.New("chat: a reply is already streaming for this session")
	ErrEmptyInput         = errors.New("chat: empty input")
	ErrInvalidRole        = errors.New("chat: invalid role")

	errUnknownEngineFailure = errors.New("engine reported an error without a cause")
)

// translate maps driver and gorm errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isDuplicate(err):
		return ErrDuplicateKey
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicateKey) {
		return true
	}
	// drivers without an error translator
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
