package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
)

// Attribute is a single named attribute with its values, in delivery order.
type Attribute struct {
	Name   string
	Values []string
}

// IdentityStore maps external eID pseudonyms to local account IDs and keeps
// the attribute records delivered alongside a link.
type IdentityStore struct {
	db *sql.DB
}

// NewIdentityStore returns the identity link store.
func NewIdentityStore(d *DB) *IdentityStore {
	return &IdentityStore{db: d.Handle()}
}

// FindUserIDByEID returns the account linked to the given pseudonym, or
// ErrNotFound if no link exists.
func (s *IdentityStore) FindUserIDByEID(ctx context.Context, eid string) (int64, error) {
	var uid int64
	err := s.db.QueryRowContext(ctx, `SELECT uid FROM eid_users WHERE eid = ?`, eid).Scan(&uid)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up eid: %w", err)
	}
	return uid, nil
}

// IsLinked reports whether the given account holds an eID link.
func (s *IdentityStore) IsLinked(ctx context.Context, userID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM eid_users WHERE uid = ?`, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count links: %w", err)
	}
	return count == 1, nil
}

// Link connects the pseudonym to the account. Both columns are unique, so a
// pseudonym already linked elsewhere or an account that already holds a link
// fails with ErrDuplicateLink and leaves the store unchanged.
func (s *IdentityStore) Link(ctx context.Context, eid string, userID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO eid_users (eid, uid) VALUES (?, ?)`, eid, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateLink
		}
		return fmt.Errorf("failed to save eid link: %w", err)
	}
	return nil
}

// SaveAttributes persists the attributes for an account. Attributes without
// values are skipped, repeated values within one name get positional suffixes
// (_1, _2, ...). Inserts are best-effort: a failure aborts but already
// written rows stay.
func (s *IdentityStore) SaveAttributes(ctx context.Context, userID int64, attrs []Attribute) error {
	for _, attr := range attrs {
		if len(attr.Values) == 0 {
			continue
		}
		for i, value := range attr.Values {
			name := attr.Name
			if i > 0 {
				name += "_" + strconv.Itoa(i)
			}

			_, err := s.db.ExecContext(ctx,
				`INSERT INTO eid_attributes (uid, name, value) VALUES (?, ?, ?)`,
				userID, name, value)
			if err != nil {
				log.Printf("DB error: %v", err)
				return fmt.Errorf("cannot insert attribute %s: %w", name, err)
			}
		}
	}
	return nil
}

// Attributes returns the stored attributes of an account in insertion order.
func (s *IdentityStore) Attributes(ctx context.Context, userID int64) ([]Attribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM eid_attributes WHERE uid = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attributes: %w", err)
	}
	defer rows.Close()

	var attrs []Attribute
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		attrs = append(attrs, Attribute{Name: name, Values: []string{value}})
	}
	return attrs, rows.Err()
}

// Unlink removes the link row and all attribute rows of an account. The
// caller must re-enable password login for the account afterwards.
func (s *IdentityStore) Unlink(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM eid_users WHERE uid = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete eid link: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM eid_attributes WHERE uid = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete eid attributes: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations by message, there is
	// no exported error type to match on.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
