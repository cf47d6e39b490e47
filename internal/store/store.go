// Package store persists tracked device registrations and their last known
// state in SQLite, so both survive restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/awilliams/unifi-presence/internal/presence"
)

// Store is a presence.Store backed by SQLite. All public methods are safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. The schema is
// created automatically.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_devices (
		mac          TEXT PRIMARY KEY,
		label        TEXT NOT NULL DEFAULT '',
		client_name  TEXT NOT NULL DEFAULT '',
		state        TEXT,
		ap_mac       TEXT,
		prev_ap_mac  TEXT,
		group_name   TEXT NOT NULL DEFAULT '',
		essid        TEXT NOT NULL DEFAULT '',
		updated_at   TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// TrackedDevices returns all stored devices ordered by MAC.
func (s *Store) TrackedDevices(ctx context.Context) ([]presence.TrackedDevice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mac, label, client_name, state, ap_mac, prev_ap_mac, group_name, essid, updated_at
		 FROM tracked_devices ORDER BY mac`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tracked devices: %w", err)
	}
	defer rows.Close()

	var devs []presence.TrackedDevice
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	return devs, rows.Err()
}

// TrackedDevice returns one stored device. The bool is false when mac is
// not stored.
func (s *Store) TrackedDevice(ctx context.Context, mac presence.MAC) (presence.TrackedDevice, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mac, label, client_name, state, ap_mac, prev_ap_mac, group_name, essid, updated_at
		 FROM tracked_devices WHERE mac = ?`,
		mac.String(),
	)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.TrackedDevice{}, false, nil
	}
	if err != nil {
		return presence.TrackedDevice{}, false, err
	}
	return dev, true, nil
}

// SaveTrackedDevice upserts dev.
func (s *Store) SaveTrackedDevice(ctx context.Context, dev presence.TrackedDevice) error {
	var state sql.NullString
	if dev.State != nil {
		b, err := json.Marshal(dev.State)
		if err != nil {
			return fmt.Errorf("encode state of %s: %w", dev.MAC, err)
		}
		state = sql.NullString{String: string(b), Valid: true}
	}

	updated := dev.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_devices (mac, label, client_name, state, ap_mac, prev_ap_mac, group_name, essid, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (mac) DO UPDATE SET
		   label = excluded.label,
		   client_name = excluded.client_name,
		   state = excluded.state,
		   ap_mac = excluded.ap_mac,
		   prev_ap_mac = excluded.prev_ap_mac,
		   group_name = excluded.group_name,
		   essid = excluded.essid,
		   updated_at = excluded.updated_at`,
		dev.MAC.String(), dev.Label, dev.ClientName, state,
		nullMAC(dev.AccessPointMAC), nullMAC(dev.PreviousAccessPointMAC),
		dev.GroupName, dev.ESSID, updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", dev.MAC, err)
	}
	return nil
}

// DeleteTrackedDevice removes mac. No error is returned if it is not stored.
func (s *Store) DeleteTrackedDevice(ctx context.Context, mac presence.MAC) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tracked_devices WHERE mac = ?`, mac.String())
	if err != nil {
		return fmt.Errorf("delete %s: %w", mac, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (presence.TrackedDevice, error) {
	var (
		dev               presence.TrackedDevice
		mac, updated      string
		state, ap, prevAP sql.NullString
	)
	err := row.Scan(&mac, &dev.Label, &dev.ClientName, &state, &ap, &prevAP, &dev.GroupName, &dev.ESSID, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dev, err
		}
		return dev, fmt.Errorf("scan tracked device: %w", err)
	}

	if dev.MAC, err = presence.ParseMAC(mac); err != nil {
		return dev, err
	}
	if state.Valid {
		var st presence.TrackedDeviceState
		if err := json.Unmarshal([]byte(state.String), &st); err != nil {
			return dev, fmt.Errorf("decode state of %s: %w", mac, err)
		}
		dev.State = &st
	}
	if dev.AccessPointMAC, err = parseNullMAC(ap); err != nil {
		return dev, err
	}
	if dev.PreviousAccessPointMAC, err = parseNullMAC(prevAP); err != nil {
		return dev, err
	}
	if dev.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return dev, fmt.Errorf("parse updated_at of %s: %w", mac, err)
	}
	return dev, nil
}

func nullMAC(m *presence.MAC) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: m.String(), Valid: true}
}

func parseNullMAC(s sql.NullString) (*presence.MAC, error) {
	if !s.Valid {
		return nil, nil
	}
	m, err := presence.ParseMAC(s.String)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
