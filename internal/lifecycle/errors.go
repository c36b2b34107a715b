package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("secret not found")
	ErrPassphraseRequired = errors.New("passphrase required")
	ErrPassphraseInvalid  = errors.New("incorrect passphrase")
	// ErrLocked wraps ErrPassphraseInvalid so callers that do not care about
	// lockout treat both the same.
	ErrLocked           = fmt.Errorf("%w: too many failed attempts", ErrPassphraseInvalid)
	ErrAlreadyConsumed  = errors.New("secret already consumed")
	ErrStoreUnavailable = errors.New("store unavailable")
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
