// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/portico-net/portico/lib/sqlitepool"
)

// Schema is applied to every pool connection. CREATE IF NOT EXISTS
// keeps it idempotent across restarts and pool connections.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	email         TEXT    UNIQUE NOT NULL,
	password_hash TEXT    NOT NULL,
	created_at    TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS devices (
	id         TEXT    PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	pubkey     TEXT    NOT NULL,
	created_at TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen  TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS devices_by_user ON devices(user_id);
`

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("signaling: not found")

// ErrDuplicateEmail is returned by CreateUser when the email is taken.
var ErrDuplicateEmail = errors.New("signaling: email already registered")

// ErrDeviceOwned is returned by UpsertDevice when the device id is
// registered to a different user. Registration never moves a device
// between accounts.
var ErrDeviceOwned = errors.New("signaling: device id belongs to another user")

// User is an account row. PasswordHash is a bcrypt hash and never
// leaves the service.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    string
}

// Device is a registered device row. Pubkey is stored as supplied and
// surfaced in listings; it is not verified in this revision.
type Device struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt string `json:"created_at"`
	LastSeen  string `json:"last_seen"`
}

// Store persists users and devices.
type Store struct {
	pool *sqlitepool.Pool
}

// NewStore wraps a pool whose OnConnect applied Schema.
func NewStore(pool *sqlitepool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateUser inserts a new account and returns it. The caller supplies
// the bcrypt hash; the store never sees plaintext passwords.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return User{}, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO users (email, password_hash) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{email, passwordHash}})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("signaling: creating user: %w", err)
	}

	return s.userByEmail(conn, email)
}

// UserByEmail fetches an account for login. Returns ErrNotFound when
// the email is unknown.
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return User{}, err
	}
	defer s.pool.Put(conn)
	return s.userByEmail(conn, email)
}

func (s *Store) userByEmail(conn *sqlite.Conn, email string) (User, error) {
	var user User
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		&sqlitex.ExecOptions{
			Args: []any{email},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				user = User{
					ID:           stmt.ColumnInt64(0),
					Email:        stmt.ColumnText(1),
					PasswordHash: stmt.ColumnText(2),
					CreatedAt:    stmt.ColumnText(3),
				}
				return nil
			},
		})
	if err != nil {
		return User{}, fmt.Errorf("signaling: looking up user: %w", err)
	}
	if !found {
		return User{}, ErrNotFound
	}
	return user, nil
}

// UpsertDevice registers a device for a user, or refreshes an existing
// registration (pubkey and last_seen) owned by the same user. The
// ownership check and the upsert run on one connection so a concurrent
// re-registration cannot interleave a different owner in between.
func (s *Store) UpsertDevice(ctx context.Context, deviceID string, userID int64, pubkey string) (Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Device{}, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Device{}, fmt.Errorf("signaling: beginning upsert: %w", err)
	}
	defer endFn(&err)

	var owner int64
	ownerKnown := false
	err = sqlitex.Execute(conn,
		`SELECT user_id FROM devices WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				owner = stmt.ColumnInt64(0)
				ownerKnown = true
				return nil
			},
		})
	if err != nil {
		return Device{}, fmt.Errorf("signaling: checking device owner: %w", err)
	}
	if ownerKnown && owner != userID {
		err = ErrDeviceOwned
		return Device{}, err
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO devices (id, user_id, pubkey) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pubkey = excluded.pubkey,
			last_seen = CURRENT_TIMESTAMP`,
		&sqlitex.ExecOptions{Args: []any{deviceID, userID, pubkey}})
	if err != nil {
		return Device{}, fmt.Errorf("signaling: upserting device: %w", err)
	}

	return s.deviceByID(conn, deviceID)
}

func (s *Store) deviceByID(conn *sqlite.Conn, deviceID string) (Device, error) {
	var device Device
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, user_id, pubkey, created_at, last_seen FROM devices WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				device = Device{
					ID:        stmt.ColumnText(0),
					UserID:    stmt.ColumnInt64(1),
					Pubkey:    stmt.ColumnText(2),
					CreatedAt: stmt.ColumnText(3),
					LastSeen:  stmt.ColumnText(4),
				}
				return nil
			},
		})
	if err != nil {
		return Device{}, fmt.Errorf("signaling: looking up device: %w", err)
	}
	if !found {
		return Device{}, ErrNotFound
	}
	return device, nil
}

// DevicesByUser lists a user's registered devices.
func (s *Store) DevicesByUser(ctx context.Context, userID int64) ([]Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	devices := []Device{}
	err = sqlitex.Execute(conn,
		`SELECT id, user_id, pubkey, created_at, last_seen FROM devices WHERE user_id = ? ORDER BY created_at`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				devices = append(devices, Device{
					ID:        stmt.ColumnText(0),
					UserID:    stmt.ColumnInt64(1),
					Pubkey:    stmt.ColumnText(2),
					CreatedAt: stmt.ColumnText(3),
					LastSeen:  stmt.ColumnText(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("signaling: listing devices: %w", err)
	}
	return devices, nil
}

// DeviceOwnedBy reports whether deviceID is registered to userID.
func (s *Store) DeviceOwnedBy(ctx context.Context, deviceID string, userID int64) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	owned := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM devices WHERE id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				owned = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("signaling: checking device ownership: %w", err)
	}
	return owned, nil
}
