package sqlplan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// PostgresStore implements Store using github.com/jackc/pgx/v5.
// It shares its pgxpool with PgxQuerier and River.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresStore creates a new Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = "stepgraph_fetch_cache"
	}
	return &PostgresStore{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cache_key TEXT PRIMARY KEY,
			rows_data BYTEA,
			created_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ
		);
	`, s.tableName)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := fmt.Sprintf(`
		SELECT rows_data, created_at, expires_at
		FROM %s
		WHERE cache_key = $1
		  AND (expires_at IS NULL OR expires_at > $2)
	`, s.tableName)

	var data []byte
	var createdAt, expiresAt *time.Time
	err := s.pool.QueryRow(ctx, query, key, time.Now()).Scan(&data, &createdAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	entry := &Entry{Rows: &structpb.ListValue{}}
	if err := proto.Unmarshal(data, entry.Rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	if createdAt != nil {
		entry.CreatedAt = timestamppb.New(*createdAt)
	}
	if expiresAt != nil {
		entry.ExpiresAt = timestamppb.New(*expiresAt)
	}
	return entry, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, entry *Entry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (cache_key, rows_data, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(cache_key) DO UPDATE SET
			rows_data = excluded.rows_data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, s.tableName)

	data, err := marshalRows(entry)
	if err != nil {
		return err
	}
	createdAt, expiresAt := entryTimes(entry)
	_, err = s.pool.Exec(ctx, query, key, data, createdAt, expiresAt)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = $1", s.tableName)
	_, err := s.pool.Exec(ctx, query, key)
	return err
}
