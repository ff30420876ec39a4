package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrDeviceNotAuthorized is returned when a device token is missing,
// malformed, revoked, or fails verification.
var ErrDeviceNotAuthorized = errors.New("device not authorized")

// Device is a paired client device.
type Device struct {
	ID        string
	Name      string
	Model     string
	PairedAt  time.Time
	LastSeen  *time.Time
	RevokedAt *time.Time
}

// DeviceStore manages paired devices. Tokens have the form
// "<device_id>.<secret>"; only a bcrypt hash of the secret is stored.
type DeviceStore struct {
	db *sql.DB
}

// NewDeviceStore builds a device store over the shared client.
func NewDeviceStore(c *Client) *DeviceStore {
	return &DeviceStore{db: c.db}
}

// Register creates a paired device and returns it with the one-time
// plaintext token. The token is never recoverable afterwards.
func (s *DeviceStore) Register(ctx context.Context, name, model string) (*Device, string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("generating device secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing device secret: %w", err)
	}

	device := &Device{
		ID:    uuid.NewString(),
		Name:  name,
		Model: model,
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO paired_devices (id, device_token_hash, device_name, device_model)
		VALUES ($1, $2, $3, $4)
		RETURNING paired_at`,
		device.ID, string(hash), name, model)
	if err := row.Scan(&device.PairedAt); err != nil {
		return nil, "", fmt.Errorf("registering device: %w", err)
	}
	return device, device.ID + "." + secret, nil
}

// Authenticate verifies a device token and returns the device. Revoked
// devices fail with ErrDeviceNotAuthorized.
func (s *DeviceStore) Authenticate(ctx context.Context, token string) (*Device, error) {
	deviceID, secret, ok := strings.Cut(token, ".")
	if !ok || deviceID == "" || secret == "" {
		return nil, ErrDeviceNotAuthorized
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_token_hash, device_name, device_model, paired_at, last_seen, revoked_at
		FROM paired_devices WHERE id = $1`, deviceID)
	var (
		device Device
		hash   string
	)
	err := row.Scan(&device.ID, &hash, &device.Name, &device.Model,
		&device.PairedAt, &device.LastSeen, &device.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", deviceID, err)
	}
	if device.RevokedAt != nil {
		return nil, ErrDeviceNotAuthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, ErrDeviceNotAuthorized
	}
	return &device, nil
}

// UpdateLastSeen stamps the device's last activity time.
func (s *DeviceStore) UpdateLastSeen(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE paired_devices SET last_seen = now() WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("updating last seen for %s: %w", deviceID, err)
	}
	return nil
}

// Revoke marks a device revoked. Future authentications fail; the row is
// kept for audit.
func (s *DeviceStore) Revoke(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE paired_devices SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL`, deviceID)
	if err != nil {
		return fmt.Errorf("revoking device %s: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotAuthorized
	}
	return nil
}

// List returns all devices, newest pairing first.
func (s *DeviceStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_name, device_model, paired_at, last_seen, revoked_at
		FROM paired_devices ORDER BY paired_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Model, &d.PairedAt, &d.LastSeen, &d.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
