// Package sql guards the fragments that are inlined into generated SQL instead of being
// bound as parameters: expression literals, interval texts and identifiers.
package sql

import (
	"fmt"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// MaxIdentifierLength is PostgreSQL's identifier limit in bytes. Longer names are
// truncated by the server, so the name read back from the catalog would differ.
const MaxIdentifierLength = 63

// InjectionError reports an inlined value that libinjection recognizes as SQL.
type InjectionError struct {
	// Kind says what the value is, such as "literal" or "interval".
	Kind        string
	Value       string
	Fingerprint string
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("%s %q looks like SQL injection (fingerprint %s)", e.Kind, e.Value, e.Fingerprint)
}

// CheckLiteral runs libinjection over a value that will be inlined into SQL.
func CheckLiteral(kind, value string) error {
	if isSQLi, fingerprint := libinjection.IsSQLi(value); isSQLi {
		return &InjectionError{Kind: kind, Value: value, Fingerprint: string(fingerprint)}
	}
	return nil
}

// CheckIdentifier validates a column or table name before it is quoted into DDL.
func CheckIdentifier(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("identifier is empty")
	case len(name) > MaxIdentifierLength:
		return fmt.Errorf("identifier %q is longer than %d bytes", name, MaxIdentifierLength)
	case strings.ContainsAny(name, "\"\x00"):
		return fmt.Errorf("identifier %q must not contain '\"' or NUL", name)
	}
	return nil
}
