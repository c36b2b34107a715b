// Package passphrase verifies passphrases for protected secrets and locks a
// secret out after repeated failures.
package passphrase

import (
	"context"
	"fmt"

	"oneshot.link/internal/crypto"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
	"oneshot.link/internal/ratelimit"
)

type Result int

const (
	Valid Result = iota
	Invalid
	Locked
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Gate allows at most maxAttempts failed attempts per secret within the
// limiter's window. Once the budget is spent every attempt is Locked, even a
// correct one, until old failures leave the window.
type Gate struct {
	failures    ratelimit.Limiter
	maxAttempts int
	params      crypto.Argon2Params
	logger      *logger.Logger
}

func NewGate(failures ratelimit.Limiter, maxAttempts int, params crypto.Argon2Params, log *logger.Logger) *Gate {
	return &Gate{
		failures:    failures,
		maxAttempts: maxAttempts,
		params:      params,
		logger:      log,
	}
}

// Hash produces the stored form of a passphrase.
func (g *Gate) Hash(passphrase string) (string, error) {
	return crypto.HashPassphrase(passphrase, g.params)
}

// Verify checks submitted against storedHash. The attempt is charged to the
// secret before the comparison so concurrent guesses cannot exceed the
// budget; a valid passphrase clears the counter.
func (g *Gate) Verify(ctx context.Context, secretID, submitted, storedHash string) (Result, error) {
	key := attemptsKey(secretID)

	failed, err := g.failures.Count(ctx, key)
	if err != nil {
		return Invalid, err
	}
	if failed >= g.maxAttempts {
		g.locked(secretID, failed)
		return Locked, nil
	}

	charged, err := g.failures.Hit(ctx, key)
	if err != nil {
		return Invalid, err
	}
	if charged > g.maxAttempts {
		g.locked(secretID, charged)
		return Locked, nil
	}

	ok, err := crypto.VerifyPassphrase(submitted, storedHash)
	if err != nil {
		return Invalid, fmt.Errorf("verifying passphrase for %s: %w", models.RedactID(secretID), err)
	}

	if ok {
		if err := g.failures.Reset(ctx, key); err != nil {
			g.logger.Err(err).Str("secret_id", models.RedactID(secretID)).Msg("failed to reset passphrase attempts")
		}
		return Valid, nil
	}

	g.logger.Info().
		Str("secret_id", models.RedactID(secretID)).
		Int("failures", charged).
		Msg("incorrect passphrase")
	return Invalid, nil
}

func (g *Gate) locked(secretID string, failures int) {
	g.logger.Warn().
		Str("secret_id", models.RedactID(secretID)).
		Int("failures", failures).
		Msg("passphrase attempts locked")
}

func attemptsKey(secretID string) string {
	return "passphrase:" + secretID
}
