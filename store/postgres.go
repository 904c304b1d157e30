package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/policy"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS quota_records (
	key                TEXT PRIMARY KEY,
	principal_id       TEXT NOT NULL,
	endpoint_key       TEXT NOT NULL,
	role               TEXT NOT NULL,
	windows            JSONB NOT NULL,
	last_request_at_ms BIGINT NOT NULL,
	expires_at         TIMESTAMPTZ,
	version            BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS quota_records_last_request_idx ON quota_records (last_request_at_ms);
CREATE INDEX IF NOT EXISTS quota_records_expires_idx ON quota_records (expires_at);
`

const postgresColumns = `key, principal_id, endpoint_key, role, windows, last_request_at_ms, expires_at, version`

// PostgresConfig holds PostgreSQL connection and behavior settings.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxConns is the maximum number of connections in the pool (default: 25).
	MaxConns int32

	// MinConns is the minimum number of idle connections maintained (default: 2).
	MinConns int32

	// MaxConnLifetime is the maximum lifetime of a connection (default: 5 minutes).
	MaxConnLifetime time.Duration

	// CleanupInterval is how often expired rows are deleted. Zero disables cleanup.
	CleanupInterval time.Duration

	// MigrateOnStart creates the table and indexes if they do not exist.
	MigrateOnStart bool
}

func (c *PostgresConfig) defaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
}

// PostgresStore implements admission.Store and admission.Scanner over a PostgreSQL table.
// Conditional writes are single statements guarded by the version column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to PostgreSQL and, if configured, creates the schema
// and starts the cleanup loop bound to ctx.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: connecting to database: %w", admission.ErrStoreUnavailable, err)
	}

	s := &PostgresStore{pool: pool}

	if cfg.MigrateOnStart {
		if _, err := pool.Exec(ctx, postgresSchema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	if cfg.CleanupInterval > 0 {
		go s.runCleanup(ctx, cfg.CleanupInterval)
	}

	return s, nil
}

// Get selects the live row for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (*admission.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+postgresColumns+`
		FROM quota_records
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key)

	rec, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, admission.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: selecting record: %w", admission.ErrStoreUnavailable, err)
	}
	return rec, nil
}

// ConditionalPut inserts version 1 when expectedVersion is 0 (taking over an
// expired row if one is left), or updates the row whose version matches.
func (s *PostgresStore) ConditionalPut(ctx context.Context, rec *admission.Record, expectedVersion int64) error {
	windows, err := json.Marshal(rec.Windows)
	if err != nil {
		return fmt.Errorf("marshaling windows: %w", err)
	}
	expiresAt := postgresExpiry(rec.TTLEpochSeconds)

	var query string
	if expectedVersion == 0 {
		query = `
			INSERT INTO quota_records (` + postgresColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (key) DO UPDATE SET
				principal_id = EXCLUDED.principal_id,
				endpoint_key = EXCLUDED.endpoint_key,
				role = EXCLUDED.role,
				windows = EXCLUDED.windows,
				last_request_at_ms = EXCLUDED.last_request_at_ms,
				expires_at = EXCLUDED.expires_at,
				version = 1
			WHERE quota_records.expires_at IS NOT NULL AND quota_records.expires_at <= now()
		`
	} else {
		query = `
			UPDATE quota_records SET
				principal_id = $2,
				endpoint_key = $3,
				role = $4,
				windows = $5,
				last_request_at_ms = $6,
				expires_at = $7,
				version = version + 1
			WHERE key = $1 AND version = $8
		`
	}

	args := []any{
		rec.Key, rec.PrincipalID, rec.EndpointKey, string(rec.Role),
		windows, rec.LastRequestAtMs, expiresAt,
	}
	if expectedVersion != 0 {
		args = append(args, expectedVersion)
	}

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: writing record: %w", admission.ErrStoreUnavailable, err)
	}
	if result.RowsAffected() == 0 {
		return admission.ErrConflict
	}
	return nil
}

// Scan selects live rows with last_request_at_ms >= filter.ActiveSinceMs.
func (s *PostgresStore) Scan(ctx context.Context, filter admission.ScanFilter) ([]admission.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM quota_records
		WHERE last_request_at_ms >= $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key
	`, filter.ActiveSinceMs)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning records: %w", admission.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []admission.Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("reading record: %w", err)
		}
		if filter.Matches(rec) {
			out = append(out, *rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating records: %w", admission.ErrStoreUnavailable, err)
	}
	return out, nil
}

// DeleteExpired removes rows whose expiry has passed and returns how many.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM quota_records WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired records: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) runCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Errors are retried on the next tick.
			_, _ = s.DeleteExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func scanPostgresRecord(row pgx.Row) (*admission.Record, error) {
	var (
		rec       admission.Record
		role      string
		windows   []byte
		expiresAt *time.Time
	)
	err := row.Scan(
		&rec.Key, &rec.PrincipalID, &rec.EndpointKey, &role,
		&windows, &rec.LastRequestAtMs, &expiresAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.Role = policy.Role(role)
	if err := json.Unmarshal(windows, &rec.Windows); err != nil {
		return nil, fmt.Errorf("unmarshaling windows: %w", err)
	}
	if expiresAt != nil {
		rec.TTLEpochSeconds = expiresAt.Unix()
	}
	return &rec, nil
}

func postgresExpiry(ttlEpochSeconds int64) *time.Time {
	if ttlEpochSeconds <= 0 {
		return nil
	}
	t := time.Unix(ttlEpochSeconds, 0).UTC()
	return &t
}
