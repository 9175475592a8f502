package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPgStore connects to dsn, applies the schema and returns the store.
func OpenPgStore(ctx context.Context, dsn string, maxConns int, connLifetime time.Duration) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if connLifetime > 0 {
		cfg.MaxConnLifetime = connLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the audit table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	ddl, err := schema("postgres")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("audit: apply postgres schema: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *PgStore) Append(ctx context.Context, e Entry) error {
	data, err := marshalData(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_entries (
			id, tenant_id, actor, domain, resource_id,
			operation, action, status, correlation_id, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TenantID, e.Actor, e.Domain, e.ResourceID,
		e.Operation, e.Action, e.Status, e.CorrelationID, data, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List implements Store.
func (s *PgStore) List(ctx context.Context, q Query) ([]Entry, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	query := `SELECT id, tenant_id, actor, domain, resource_id,
	                 operation, action, status, correlation_id, data, created_at
	          FROM audit_entries
	          WHERE tenant_id = $1`
	args := []any{q.TenantID}
	argIdx := 2

	if q.Domain != "" {
		query += fmt.Sprintf(" AND domain = $%d", argIdx)
		args = append(args, q.Domain)
		argIdx++
	}
	if q.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argIdx)
		args = append(args, q.ResourceID)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", argIdx)
	args = append(args, q.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var data []byte
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.Actor, &e.Domain, &e.ResourceID,
			&e.Operation, &e.Action, &e.Status, &e.CorrelationID, &data, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := unmarshalData(data, &e); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

func marshalData(e Entry) ([]byte, error) {
	if e.Data == nil {
		return nil, nil
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal audit data: %w", err)
	}
	return b, nil
}

func unmarshalData(b []byte, e *Entry) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &e.Data); err != nil {
		return fmt.Errorf("unmarshal audit data %q: %w", e.ID, err)
	}
	return nil
}
