package sqlplan

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"stepgraph/pkg/stepgraph"
)

// ============ Test Helpers ============

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

const fixtureSQL = `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT);
CREATE TABLE profiles (user_id INTEGER PRIMARY KEY, bio TEXT);
CREATE TABLE posts (id INTEGER PRIMARY KEY, author_id INTEGER NOT NULL, title TEXT NOT NULL);

INSERT INTO users VALUES (1, 'alice', 'alice@example.com'), (2, 'bob', NULL), (3, 'carol', NULL);
INSERT INTO profiles VALUES (1, 'likes go');
INSERT INTO posts VALUES (10, 1, 'hello'), (11, 1, 'again'), (12, 2, 'bob post');
`

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	// every connection of an in-memory database is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(fixtureSQL); err != nil {
		t.Fatalf("failed to load fixtures: %v", err)
	}
	return db
}

type schema struct {
	users, profiles, posts *Resource
}

func newSchema(src *Source) *schema {
	users := &Resource{
		Name:  "users",
		Table: "users",
		Attributes: []*Attribute{
			{Name: "id", Codec: IntCodec, NotNull: true},
			{Name: "name", Codec: TextCodec, NotNull: true},
			{Name: "email", Codec: TextCodec},
		},
		Source: src,
	}
	profiles := &Resource{
		Name:  "profiles",
		Table: "profiles",
		Attributes: []*Attribute{
			{Name: "user_id", Codec: IntCodec, NotNull: true, IdenticalVia: &Via{Relation: "user", Attribute: "id"}},
			{Name: "bio", Codec: TextCodec},
		},
		Source: src,
	}
	posts := &Resource{
		Name:  "posts",
		Table: "posts",
		Attributes: []*Attribute{
			{Name: "id", Codec: IntCodec, NotNull: true},
			{Name: "author_id", Codec: IntCodec, NotNull: true, IdenticalVia: &Via{Relation: "author", Attribute: "id"}},
			{Name: "title", Codec: TextCodec, NotNull: true},
		},
		Source: src,
	}

	users.Relations = map[string]*Relation{
		"profile": {Remote: profiles, LocalAttributes: []string{"id"}, RemoteAttributes: []string{"user_id"}, IsUnique: true},
		"posts":   {Remote: posts, LocalAttributes: []string{"id"}, RemoteAttributes: []string{"author_id"}},
	}
	profiles.Relations = map[string]*Relation{
		"user": {Remote: users, LocalAttributes: []string{"user_id"}, RemoteAttributes: []string{"id"}, IsUnique: true},
	}
	posts.Relations = map[string]*Relation{
		"author": {Remote: users, LocalAttributes: []string{"author_id"}, RemoteAttributes: []string{"id"}, IsUnique: true},
	}
	return &schema{users: users, profiles: profiles, posts: posts}
}

// countingQuerier counts the queries reaching the wrapped querier.
type countingQuerier struct {
	Querier
	n atomic.Int32
}

func (c *countingQuerier) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	c.n.Add(1)
	return c.Querier.Query(ctx, query, args...)
}

func sqliteSchema(t *testing.T, opts ...SourceOption) (*schema, *countingQuerier) {
	t.Helper()
	q := &countingQuerier{Querier: NewSQLQuerier(openSQLite(t))}
	return newSchema(NewSource(q, DialectSQLite, opts...)), q
}

func compile(t *testing.T, op *stepgraph.OperationPlan) {
	t.Helper()
	if err := op.Compile(context.Background()); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
}

// run executes one pass and returns the per-index values of each root.
func run(t *testing.T, op *stepgraph.OperationPlan, batch *stepgraph.Batch, roots ...stepgraph.Step) [][]any {
	t.Helper()
	out, err := op.Execute(context.Background(), batch, roots...)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	results := make([][]any, len(roots))
	for i, r := range roots {
		v, err := out.Get(r)
		if err != nil {
			t.Fatalf("root %d failed: %v", i, err)
		}
		results[i] = v.Expand(batch.Size)
	}
	return results
}

func ids(values ...any) *stepgraph.Batch {
	return &stepgraph.Batch{Size: len(values), Inputs: map[string][]any{"id": values}}
}

// fetchObserver counts fetch-related events.
type fetchObserver struct {
	stepgraph.NoOpObserver
	mu      sync.Mutex
	hits    int
	misses  int
	retries []int

	storeErrors []error
}

func (o *fetchObserver) OnCacheCheck(ctx context.Context, e *stepgraph.CacheCheckEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.Hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *fetchObserver) OnCacheStore(ctx context.Context, e *stepgraph.CacheStoreEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.Error != nil {
		o.storeErrors = append(o.storeErrors, e.Error)
	}
}

func (o *fetchObserver) OnRetry(ctx context.Context, e *stepgraph.RetryEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, e.Attempt)
}
