package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "aud_3f2b...".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
