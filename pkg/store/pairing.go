package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PairingTokenTTL is how long a pairing token stays claimable.
const PairingTokenTTL = 60 * time.Second

// Pairing token claim failures.
var (
	ErrPairingTokenInvalid = errors.New("pairing token invalid")
	ErrPairingTokenExpired = errors.New("pairing token expired")
	ErrPairingTokenUsed    = errors.New("pairing token already used")
)

// PairingTokenStore manages short-lived single-use pairing tokens. Only a
// sha256 hash of each token is stored.
type PairingTokenStore struct {
	db *sql.DB
}

// NewPairingTokenStore builds a pairing token store over the shared client.
func NewPairingTokenStore(c *Client) *PairingTokenStore {
	return &PairingTokenStore{db: c.db}
}

// Create mints a new pairing token and returns the plaintext plus its
// expiry. The plaintext is never recoverable afterwards.
func (s *PairingTokenStore) Create(ctx context.Context) (string, time.Time, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generating pairing token: %w", err)
	}
	token := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	expiresAt := time.Now().Add(PairingTokenTTL)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_tokens (token_hash, expires_at)
		VALUES ($1, $2)`, hashToken(token), expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storing pairing token: %w", err)
	}
	return token, expiresAt, nil
}

// Claim consumes a pairing token for a device. The update is atomic, so
// concurrent claims of the same token yield exactly one winner.
func (s *PairingTokenStore) Claim(ctx context.Context, token, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_tokens
		SET used_at = now(), used_by_device_id = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()`,
		hashToken(token), deviceID)
	if err != nil {
		return fmt.Errorf("claiming pairing token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Distinguish the failure for the caller's status code.
	row := s.db.QueryRowContext(ctx, `
		SELECT used_at IS NOT NULL, expires_at <= now()
		FROM pairing_tokens WHERE token_hash = $1`, hashToken(token))
	var used, expired bool
	switch err := row.Scan(&used, &expired); {
	case errors.Is(err, sql.ErrNoRows):
		return ErrPairingTokenInvalid
	case err != nil:
		return fmt.Errorf("inspecting pairing token: %w", err)
	case used:
		return ErrPairingTokenUsed
	case expired:
		return ErrPairingTokenExpired
	default:
		return ErrPairingTokenInvalid
	}
}

// DeleteExpired removes tokens past their expiry and returns how many went
// away.
func (s *PairingTokenStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired pairing tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		slog.Debug("Swept expired pairing tokens", "removed", n)
	}
	return n, err
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
