// Package pickup issues the short codes presented at the event desk to
// collect a paid ticket. Codes are a convenience on top of an already-paid
// registration: running out of generation attempts is an operational
// anomaly to log, never a user-facing failure.
package pickup

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLen      = 6
	maxAttempts  = 10
)

// Store is the persistence surface the issuer needs. The repository hands
// the issuer a transaction-scoped implementation so that codes assigned
// during payment finalization commit atomically with the payment itself.
type Store interface {
	ExistingCode(ctx context.Context, registrationID int64) (*string, error)
	CodeTaken(ctx context.Context, code string) (bool, error)
	SaveCode(ctx context.Context, registrationID int64, code string) error
}

type Issuer struct {
	log *zerolog.Logger
}

func NewIssuer(log *zerolog.Logger) *Issuer {
	return &Issuer{log: log}
}

// NewCode returns a random 6-character uppercase alphanumeric code.
func NewCode() (string, error) {
	buf := make([]byte, codeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

// Assign gives the registration a unique pickup code, retrying generation
// on collision up to a fixed bound. Calling it again for a registration
// that already has a code returns the existing code. A nil code with nil
// error means the bound was exhausted.
func (i *Issuer) Assign(ctx context.Context, s Store, registrationID int64) (*string, error) {
	existing, err := s.ExistingCode(ctx, registrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing pickup code: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := NewCode()
		if err != nil {
			return nil, err
		}
		taken, err := s.CodeTaken(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to check pickup code uniqueness: %w", err)
		}
		if taken {
			continue
		}
		if err := s.SaveCode(ctx, registrationID, code); err != nil {
			return nil, fmt.Errorf("failed to save pickup code: %w", err)
		}
		return &code, nil
	}

	i.log.Warn().
		Int64("registration_id", registrationID).
		Int("attempts", maxAttempts).
		Msg("pickup code generation exhausted retry bound")
	return nil, nil
}
