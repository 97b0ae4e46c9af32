package sqlplan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Codec decodes the text form of a column. Every selection is cast to text in
// SQL, so a codec is the only place a column gets its Go type.
type Codec interface {
	Name() string

	// Cheap reports whether selecting the column costs next to nothing,
	// making it a good probe for row presence.
	Cheap() bool

	Decode(text string) (any, error)
}

var (
	IntCodec       Codec = intCodec{}
	FloatCodec     Codec = floatCodec{}
	TextCodec      Codec = textCodec{}
	BoolCodec      Codec = boolCodec{}
	UUIDCodec      Codec = uuidCodec{}
	TimestampCodec Codec = timestampCodec{}
	JSONCodec      Codec = jsonCodec{}
)

type intCodec struct{}

func (intCodec) Name() string { return "int" }
func (intCodec) Cheap() bool  { return true }

func (intCodec) Decode(text string) (any, error) {
	return strconv.ParseInt(text, 10, 64)
}

type floatCodec struct{}

func (floatCodec) Name() string { return "float" }
func (floatCodec) Cheap() bool  { return true }

func (floatCodec) Decode(text string) (any, error) {
	return strconv.ParseFloat(text, 64)
}

type textCodec struct{}

func (textCodec) Name() string { return "text" }
func (textCodec) Cheap() bool  { return false }

func (textCodec) Decode(text string) (any, error) { return text, nil }

type boolCodec struct{}

func (boolCodec) Name() string { return "bool" }
func (boolCodec) Cheap() bool  { return true }

func (boolCodec) Decode(text string) (any, error) {
	switch strings.ToLower(text) {
	case "t", "true", "1":
		return true, nil
	case "f", "false", "0":
		return false, nil
	}
	return nil, fmt.Errorf("invalid boolean %q", text)
}

type uuidCodec struct{}

func (uuidCodec) Name() string { return "uuid" }
func (uuidCodec) Cheap() bool  { return true }

func (uuidCodec) Decode(text string) (any, error) {
	return uuid.Parse(text)
}

// Layouts produced by casting timestamps to text in Postgres, SQLite and
// MySQL.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

type timestampCodec struct{}

func (timestampCodec) Name() string { return "timestamp" }
func (timestampCodec) Cheap() bool  { return true }

func (timestampCodec) Decode(text string) (any, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", text)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Cheap() bool  { return false }

func (jsonCodec) Decode(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return v, nil
}
