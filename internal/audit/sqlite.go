package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteStore is a Store in a local SQLite file, for single-node
// deployments without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path and applies the
// schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "grcbff-audit.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("audit: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	ddl, err := schema("sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	data, err := marshalData(e)
	if err != nil {
		return err
	}
	var dataArg any
	if data != nil {
		dataArg = string(data)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, tenant_id, actor, domain, resource_id,
			operation, action, status, correlation_id, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Actor, e.Domain, e.ResourceID,
		e.Operation, e.Action, e.Status, e.CorrelationID, dataArg,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Entry, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	where := []string{"tenant_id = ?"}
	args := []any{q.TenantID}
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, q.Domain)
	}
	if q.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, q.ResourceID)
	}
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor, domain, resource_id,
		       operation, action, status, correlation_id, data, created_at
		FROM audit_entries
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var data sql.NullString
		var created string
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.Actor, &e.Domain, &e.ResourceID,
			&e.Operation, &e.Action, &e.Status, &e.CorrelationID, &data, &created,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", created, err)
		}
		if data.Valid {
			if err := unmarshalData([]byte(data.String), &e); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
