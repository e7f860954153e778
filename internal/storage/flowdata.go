package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FlowDataStore holds short-lived, time-bounded records keyed by an opaque
// identifier. Two instances back the continuation and response tables, both
// swept by the periodic cleanup job.
type FlowDataStore struct {
	db    *sql.DB
	table string
}

// NewContinuationStore returns the store correlating outbound authentication
// requests with their post-redirect context.
func NewContinuationStore(d *DB) *FlowDataStore {
	return &FlowDataStore{db: d.Handle(), table: "eid_continue_data"}
}

// NewResponseStore returns the store holding processed authentication results
// awaiting the TR-03130 resume hop.
func NewResponseStore(d *DB) *FlowDataStore {
	return &FlowDataStore{db: d.Handle(), table: "eid_response_data"}
}

// Save inserts a record under the given key.
func (s *FlowDataStore) Save(ctx context.Context, key, value string, at time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (uid, value, time) VALUES (?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, value, at.Unix()); err != nil {
		return fmt.Errorf("failed to save %s record: %w", s.table, err)
	}
	return nil
}

// GetByKey returns the record stored under key, or ErrNotFound.
func (s *FlowDataStore) GetByKey(ctx context.Context, key string) (string, time.Time, error) {
	query := fmt.Sprintf(`SELECT value, time FROM %s WHERE uid = ?`, s.table)

	var value string
	var unix int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &unix)
	if err == sql.ErrNoRows {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to load %s record: %w", s.table, err)
	}

	return value, time.Unix(unix, 0), nil
}

// DeleteByKey removes the record stored under key. Deleting an absent record
// is a no-op, not an error.
func (s *FlowDataStore) DeleteByKey(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE uid = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s record: %w", s.table, err)
	}
	return nil
}

// DeleteOlderThan bulk-purges all records created before cutoff.
func (s *FlowDataStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE time < ?`, s.table)
	res, err := s.db.ExecContext(ctx, query, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s records: %w", s.table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
