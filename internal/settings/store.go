package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eid-services/eidlogin/internal/storage"
)

var (
	ErrNotConfigured   = errors.New("no settings saved yet")
	ErrVersionConflict = errors.New("settings changed concurrently")
)

// Store persists the settings aggregate as a single versioned row. Load
// returns the version token that Save requires back, giving last-writer-wins
// detection instead of silent overwrites.
type Store struct {
	db *sql.DB
}

// NewStore returns the settings store.
func NewStore(d *storage.DB) *Store {
	return &Store{db: d.Handle()}
}

// Load returns the current settings and their version token.
func (st *Store) Load(ctx context.Context) (*Settings, int64, error) {
	var value string
	var version int64
	err := st.db.QueryRowContext(ctx, `SELECT value, version FROM eid_settings WHERE id = 1`).Scan(&value, &version)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotConfigured
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return nil, 0, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &s, version, nil
}

// Save writes the aggregate. version must be the token returned by the Load
// this save is based on; 0 creates the initial row. A stale token fails with
// ErrVersionConflict and writes nothing.
func (st *Store) Save(ctx context.Context, s *Settings, version int64) error {
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if version == 0 {
		_, err := st.db.ExecContext(ctx,
			`INSERT INTO eid_settings (id, value, version) VALUES (1, ?, 1)`, string(value))
		if err != nil {
			return fmt.Errorf("failed to create settings: %w", err)
		}
		return nil
	}

	res, err := st.db.ExecContext(ctx,
		`UPDATE eid_settings SET value = ?, version = version + 1 WHERE id = 1 AND version = ?`,
		string(value), version)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}
