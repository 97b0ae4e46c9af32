package sqlplan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// SQLStore implements Store using database/sql.
// It supports SQLite, Postgres, and MySQL.
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
}

// NewSQLStore creates a new SQL-backed store.
// The user is responsible for opening the *sql.DB with their preferred driver.
func NewSQLStore(db *sql.DB, tableName string, dialect SQLDialect) *SQLStore {
	if tableName == "" {
		tableName = "stepgraph_fetch_cache"
	}
	return &SQLStore{
		db:        db,
		tableName: tableName,
		dialect:   dialect,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	keyType := "TEXT"
	blobType := "BLOB"
	timestampType := "TIMESTAMP"

	switch s.dialect {
	case DialectPostgres:
		blobType = "BYTEA"
	case DialectMySQL:
		keyType = "VARCHAR(255)"
		timestampType = "DATETIME(6)"
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cache_key %s PRIMARY KEY,
			rows_data %s,
			created_at %s,
			expires_at %s NULL
		)
	`, s.tableName, keyType, blobType, timestampType, timestampType)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s.dialect.Placeholder(i + 1)
	}
	return out
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Entry, error) {
	ph := s.placeholders(2)
	query := fmt.Sprintf(`
		SELECT rows_data, created_at, expires_at
		FROM %s
		WHERE cache_key = %s
		  AND (expires_at IS NULL OR expires_at > %s)
	`, s.tableName, ph[0], ph[1])

	var data []byte
	var createdAt, expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, key, time.Now().UTC()).Scan(&data, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	entry := &Entry{Rows: &structpb.ListValue{}}
	if err := proto.Unmarshal(data, entry.Rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	if createdAt.Valid {
		entry.CreatedAt = timestamppb.New(createdAt.Time)
	}
	if expiresAt.Valid {
		entry.ExpiresAt = timestamppb.New(expiresAt.Time)
	}
	return entry, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, entry *Entry) error {
	phStr := strings.Join(s.placeholders(4), ", ")

	var query string
	if s.dialect == DialectMySQL {
		query = fmt.Sprintf(`
			INSERT INTO %s (cache_key, rows_data, created_at, expires_at)
			VALUES (%s)
			ON DUPLICATE KEY UPDATE
				rows_data = VALUES(rows_data),
				created_at = VALUES(created_at),
				expires_at = VALUES(expires_at)
		`, s.tableName, phStr)
	} else {
		query = fmt.Sprintf(`
			INSERT INTO %s (cache_key, rows_data, created_at, expires_at)
			VALUES (%s)
			ON CONFLICT(cache_key) DO UPDATE SET
				rows_data = excluded.rows_data,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at
		`, s.tableName, phStr)
	}

	data, err := marshalRows(entry)
	if err != nil {
		return err
	}
	createdAt, expiresAt := entryTimes(entry)
	_, err = s.db.ExecContext(ctx, query, key, data, createdAt, expiresAt)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = %s", s.tableName, s.dialect.Placeholder(1))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func marshalRows(entry *Entry) ([]byte, error) {
	if entry.Rows == nil {
		return proto.Marshal(&structpb.ListValue{})
	}
	data, err := proto.Marshal(entry.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rows: %w", err)
	}
	return data, nil
}

// entryTimes returns the timestamps as driver arguments, in UTC. A missing
// expiry is a NULL.
func entryTimes(entry *Entry) (time.Time, any) {
	createdAt := time.Now().UTC()
	if entry.CreatedAt != nil {
		createdAt = entry.CreatedAt.AsTime()
	}
	var expiresAt any
	if entry.ExpiresAt != nil {
		expiresAt = entry.ExpiresAt.AsTime()
	}
	return createdAt, expiresAt
}
