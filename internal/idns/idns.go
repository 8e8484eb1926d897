// Package idns namespaces identifiers exposed outside the mirror. Storage
// keeps bare keys; every id leaving the API carries the prefix.
package idns

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const DefaultPrefix = "cdx_"

// Namespace maps bare ids to exposed ids and back. The zero value uses
// DefaultPrefix.
type Namespace struct {
	prefix string
}

// New validates prefix. It must contain '_', which occurs in neither base58
// addresses nor UUIDs, so no bare id can already look prefixed.
func New(prefix string) (Namespace, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return Namespace{prefix: DefaultPrefix}, nil
	}
	if !strings.HasSuffix(prefix, "_") {
		return Namespace{}, fmt.Errorf("id prefix %q must end with '_'", prefix)
	}
	return Namespace{prefix: prefix}, nil
}

func (n Namespace) Prefix() string {
	if n.prefix == "" {
		return DefaultPrefix
	}
	return n.prefix
}

// Add is idempotent: an already namespaced id is returned unchanged.
func (n Namespace) Add(id string) string {
	if id == "" || strings.HasPrefix(id, n.Prefix()) {
		return id
	}
	return n.Prefix() + id
}

// Strip returns the bare id. Bare input passes through.
func (n Namespace) Strip(id string) string {
	return strings.TrimPrefix(id, n.Prefix())
}

// IsAddress reports whether s is a base58 encoded 32-byte account address.
func IsAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}
