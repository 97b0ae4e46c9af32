package sqlplan

import (
	"fmt"
	"strings"
)

// SQLDialect defines the SQL syntax variant.
type SQLDialect string

const (
	DialectSQLite   SQLDialect = "sqlite"
	DialectPostgres SQLDialect = "postgres"
	DialectMySQL    SQLDialect = "mysql"
)

// Placeholder returns the bind parameter for the n-th argument (1-based).
func (d SQLDialect) Placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// CastText wraps expr so the driver always hands back its text form.
func (d SQLDialect) CastText(expr string) string {
	switch d {
	case DialectPostgres:
		return fmt.Sprintf("(%s)::text", expr)
	case DialectMySQL:
		return fmt.Sprintf("CAST(%s AS CHAR)", expr)
	default:
		return fmt.Sprintf("CAST(%s AS TEXT)", expr)
	}
}

// QuoteIdent quotes a column or alias name.
func (d SQLDialect) QuoteIdent(name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// True is the literal selected to prove a row exists when no attribute can.
func (d SQLDialect) True() string {
	if d == DialectSQLite {
		return "1"
	}
	return "TRUE"
}
