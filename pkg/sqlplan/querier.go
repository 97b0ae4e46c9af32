package sqlplan

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier runs a read query and returns its rows. Every column is returned
// as a string or nil, since generated SQL casts each selection to text.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([][]any, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, query string, args ...any) ([][]any, error)

func (f QuerierFunc) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	return f(ctx, query, args...)
}

// SQLQuerier implements Querier using database/sql.
// The user is responsible for opening the *sql.DB with their preferred driver.
type SQLQuerier struct {
	db *sql.DB
}

func NewSQLQuerier(db *sql.DB) *SQLQuerier {
	return &SQLQuerier{db: db}
}

func (q *SQLQuerier) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	scan := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range scan {
		dest[i] = &scan[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, v := range scan {
			if v.Valid {
				row[i] = v.String
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PgxQuerier implements Querier using a pgx connection pool.
type PgxQuerier struct {
	pool *pgxpool.Pool
}

func NewPgxQuerier(pool *pgxpool.Pool) *PgxQuerier {
	return &PgxQuerier{pool: pool}
}

func (q *PgxQuerier) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]any, len(values))
		for i, v := range values {
			switch v := v.(type) {
			case nil:
			case string:
				row[i] = v
			default:
				row[i] = fmt.Sprint(v)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
