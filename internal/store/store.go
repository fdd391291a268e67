// Package store persists controllers, devices, and control grants. It is
// the durable half of the system; all session and task state lives in
// memory elsewhere.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"devlink-server/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetOrCreateController looks a controller up by its enrollment public key,
// creating the row on first sight.
func (s *Store) GetOrCreateController(ctx context.Context, id, publicKey string, nowMillis int64) (model.Controller, error) {
	var ctrl model.Controller
	err := s.db.QueryRowContext(ctx,
		`SELECT controller_id, public_key, created_at FROM controllers WHERE public_key = ?`, publicKey).
		Scan(&ctrl.ID, &ctrl.PublicKey, &ctrl.CreatedAt)
	if err == nil {
		return ctrl, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Controller{}, fmt.Errorf("get controller: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO controllers(controller_id, public_key, created_at) VALUES (?, ?, ?)`,
		id, publicKey, nowMillis); err != nil {
		return model.Controller{}, fmt.Errorf("create controller: %w", err)
	}
	return model.Controller{ID: id, PublicKey: publicKey, CreatedAt: nowMillis}, nil
}

func (s *Store) RegisterDevice(ctx context.Context, d model.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices(device_id, owner_id, device_name, public_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Name, d.PublicKey, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	var d model.Device
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, owner_id, device_name, public_key, created_at FROM devices WHERE device_id = ?`, deviceID).
		Scan(&d.ID, &d.OwnerID, &d.Name, &d.PublicKey, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context, ownerID string) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, owner_id, device_name, public_key, created_at FROM devices WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	result := make([]model.Device, 0)
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Name, &d.PublicKey, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) IsOwner(ctx context.Context, controllerID, deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM devices WHERE device_id = ? AND owner_id = ?`, deviceID, controllerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is owner: %w", err)
	}
	return true, nil
}

// GetGrant returns the grant row for (controller, device) or nil when none
// exists. Revoked grants are returned with their status so the caller can
// tell "never granted" from "revoked".
func (s *Store) GetGrant(ctx context.Context, controllerID, deviceID string) (*model.ControlGrant, error) {
	var g model.ControlGrant
	var status, permsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT controller_id, device_id, status, permissions, granted_at, revoked_at
		 FROM control_grants WHERE controller_id = ? AND device_id = ?`, controllerID, deviceID).
		Scan(&g.ControllerID, &g.DeviceID, &status, &permsJSON, &g.GrantedAt, &g.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	g.Status = model.GrantStatus(status)
	if err := json.Unmarshal([]byte(permsJSON), &g.Permissions); err != nil {
		return nil, fmt.Errorf("decode grant permissions: %w", err)
	}
	return &g, nil
}

// UpsertGrant creates or reactivates a grant with the given permission set.
func (s *Store) UpsertGrant(ctx context.Context, controllerID, deviceID string, permissions []string, nowMillis int64) error {
	if permissions == nil {
		permissions = []string{}
	}
	permsJSON, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("encode grant permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO control_grants(controller_id, device_id, status, permissions, granted_at, revoked_at)
VALUES (?, ?, 'active', ?, ?, 0)
ON CONFLICT(controller_id, device_id) DO UPDATE SET
	status='active',
	permissions=excluded.permissions,
	granted_at=excluded.granted_at,
	revoked_at=0
`, controllerID, deviceID, string(permsJSON), nowMillis)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *Store) RevokeGrant(ctx context.Context, controllerID, deviceID string, nowMillis int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE control_grants SET status='revoked', revoked_at=? WHERE controller_id = ? AND device_id = ? AND status='active'`,
		nowMillis, controllerID, deviceID)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListGrantsForDevice(ctx context.Context, deviceID string) ([]model.ControlGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT controller_id, device_id, status, permissions, granted_at, revoked_at
		 FROM control_grants WHERE device_id = ? ORDER BY granted_at DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	result := make([]model.ControlGrant, 0)
	for rows.Next() {
		var g model.ControlGrant
		var status, permsJSON string
		if err := rows.Scan(&g.ControllerID, &g.DeviceID, &status, &permsJSON, &g.GrantedAt, &g.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Status = model.GrantStatus(status)
		if err := json.Unmarshal([]byte(permsJSON), &g.Permissions); err != nil {
			return nil, fmt.Errorf("decode grant permissions: %w", err)
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
