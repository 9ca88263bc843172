// Package pgident validates and quotes PostgreSQL identifiers that reach SQL
// text, such as configurable table names. Values are rejected unless they
// look like plain identifiers, then double-quoted anyway.
package pgident

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier signals a name that cannot safely appear in SQL.
var ErrInvalidIdentifier = errors.New("invalid sql identifier")

// maxLength matches PostgreSQL's NAMEDATALEN-1 truncation limit.
const maxLength = 63

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks a single unqualified identifier.
func Validate(identifier string) error {
	if len(identifier) > maxLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

// ValidatePath checks a dotted path such as "public.outbox_events".
func ValidatePath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := Validate(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

// Quote double-quotes an identifier, doubling embedded quotes and dropping
// null bytes.
func Quote(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// QuotePath quotes each element of a dotted path.
func QuotePath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, Quote(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}
