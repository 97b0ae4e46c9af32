package sqlplan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Store persists fetch results across passes and processes.
// Implementations (SQLite, Postgres, MySQL, Redis, Memory) must be thread-safe.
type Store interface {
	// Get retrieves a stored entry.
	// Returns (nil, nil) if key not found or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores an entry.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes an entry.
	Delete(ctx context.Context, key string) error
}

// Entry is one cached query result. Rows hold a list per row whose items are
// strings or nulls, as every column is fetched as text.
type Entry struct {
	Rows      *structpb.ListValue
	CreatedAt *timestamppb.Timestamp
	ExpiresAt *timestamppb.Timestamp
}

// NewEntry encodes rows for storage. A positive ttl sets ExpiresAt.
func NewEntry(rows [][]any, ttl time.Duration) (*Entry, error) {
	list, err := encodeRows(rows)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	e := &Entry{Rows: list, CreatedAt: timestamppb.New(now)}
	if ttl > 0 {
		e.ExpiresAt = timestamppb.New(now.Add(ttl))
	}
	return e, nil
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired() bool {
	return e.ExpiresAt != nil && e.ExpiresAt.AsTime().Before(time.Now())
}

// Decode returns the rows held by the entry.
func (e *Entry) Decode() ([][]any, error) {
	if e.Rows == nil {
		return nil, nil
	}
	rows := make([][]any, len(e.Rows.Values))
	for i, v := range e.Rows.Values {
		cols := v.GetListValue()
		if cols == nil {
			return nil, fmt.Errorf("row %d is not a list", i)
		}
		row := make([]any, len(cols.Values))
		for j, c := range cols.Values {
			switch k := c.Kind.(type) {
			case *structpb.Value_NullValue:
				row[j] = nil
			case *structpb.Value_StringValue:
				row[j] = k.StringValue
			default:
				return nil, fmt.Errorf("row %d column %d: unexpected %T", i, j, c.Kind)
			}
		}
		rows[i] = row
	}
	return rows, nil
}

func (e *Entry) clone() *Entry {
	out := &Entry{}
	if e.Rows != nil {
		out.Rows = proto.Clone(e.Rows).(*structpb.ListValue)
	}
	if e.CreatedAt != nil {
		out.CreatedAt = proto.Clone(e.CreatedAt).(*timestamppb.Timestamp)
	}
	if e.ExpiresAt != nil {
		out.ExpiresAt = proto.Clone(e.ExpiresAt).(*timestamppb.Timestamp)
	}
	return out
}

func encodeRows(rows [][]any) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, len(rows))
	for i, row := range rows {
		cols, err := structpb.NewList(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		values[i] = structpb.NewListValue(cols)
	}
	return &structpb.ListValue{Values: values}, nil
}

// MarshalEntry encodes an entry as a single protobuf message, for stores that
// keep one opaque value per key.
func MarshalEntry(e *Entry) ([]byte, error) {
	fields := map[string]*structpb.Value{}
	if e.Rows != nil {
		fields["rows"] = structpb.NewListValue(e.Rows)
	}
	if e.CreatedAt != nil {
		fields["created_at"] = structpb.NewStringValue(e.CreatedAt.AsTime().Format(time.RFC3339Nano))
	}
	if e.ExpiresAt != nil {
		fields["expires_at"] = structpb.NewStringValue(e.ExpiresAt.AsTime().Format(time.RFC3339Nano))
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// UnmarshalEntry decodes the output of MarshalEntry.
func UnmarshalEntry(data []byte) (*Entry, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	e := &Entry{}
	if v, ok := msg.Fields["rows"]; ok {
		e.Rows = v.GetListValue()
	}
	for name, dst := range map[string]**timestamppb.Timestamp{"created_at": &e.CreatedAt, "expires_at": &e.ExpiresAt} {
		v, ok := msg.Fields[name]
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		*dst = timestamppb.New(t)
	}
	return e, nil
}

// cacheKey identifies a query by resource, text and arguments.
func cacheKey(resource, query string, args []any) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, a := range args {
		fmt.Fprintf(h, "\x00%T:%v", a, a)
	}
	return resource + ":" + hex.EncodeToString(h.Sum(nil))
}
