package naming

import (
	"fmt"
	"strconv"
)

// DefaultPrefix is the tag every subscription id starts with.
const DefaultPrefix = "TOPIC-"

// IDSource produces unique, increasing 64-bit ids.
type IDSource interface {
	Next() (uint64, error)
}

// Namer derives subscription identifiers.
type Namer struct {
	prefix string
	ids    IDSource
}

// NewNamer creates a Namer that prefixes ids from src. An empty prefix falls
// back to DefaultPrefix.
func NewNamer(prefix string, src IDSource) *Namer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Namer{prefix: prefix, ids: src}
}

// Next returns a new subscription identifier.
func (n *Namer) Next() (string, error) {
	id, err := n.ids.Next()
	if err != nil {
		return "", fmt.Errorf("generate subscription id: %w", err)
	}
	return n.prefix + strconv.FormatUint(id, 10), nil
}
