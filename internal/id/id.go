package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns an opaque job identifier. Dashes are stripped so the id is
// usable in object keys and download filenames without escaping.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
