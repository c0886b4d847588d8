// Package encode turns resolved record batches into export artifacts.
// The header is decided once, at job start, and every appended batch is
// rendered against it.
package encode

import (
	"fmt"

	"github.com/exportflow/exportflow/internal/domain"
)

// DefaultResultColumn is appended to caller-supplied headers when the
// request names no result column.
const DefaultResultColumn = "status"

// Encoder accumulates record batches into an in-progress artifact body.
type Encoder interface {
	// Append renders a batch against the header decided at construction.
	Append(records []domain.Record) error
	// Finish returns the completed artifact body. The encoder is spent
	// afterwards.
	Finish() ([]byte, error)
	// Rows is the number of data rows appended so far.
	Rows() int
	ContentType() string
}

// New returns an encoder for the job's format over the given header.
func New(format string, header []string) (Encoder, error) {
	switch domain.NormalizeFormat(format) {
	case domain.FormatCSV:
		return newCSVEncoder(header)
	case domain.FormatXLSX:
		return newXLSXEncoder(header)
	default:
		return nil, fmt.Errorf("unsupported artifact format: %s", format)
	}
}

// canonicalColumns is the fixed column set used when the caller supplies no
// original header.
var canonicalColumns = map[string][]string{
	"contacts": {"id", "email", "name", "status", "verified_at"},
	"emails":   {"id", "email", "status", "verified_at"},
}

var fallbackColumns = []string{"id", "status"}

// ResolveHeader decides the artifact header for a job: the canonical column
// set for its kind, or the caller's original header with the result column
// updated in place when present and appended otherwise.
func ResolveHeader(kind string, original []string, resultColumn string) []string {
	if len(original) == 0 {
		if columns, ok := canonicalColumns[kind]; ok {
			return append([]string(nil), columns...)
		}
		return append([]string(nil), fallbackColumns...)
	}

	if resultColumn == "" {
		resultColumn = DefaultResultColumn
	}

	header := append([]string(nil), original...)
	for _, column := range header {
		if column == resultColumn {
			return header
		}
	}
	return append(header, resultColumn)
}
