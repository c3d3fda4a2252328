package types

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxNodeIDLength bounds the length of a node ID accepted by the puller.
const MaxNodeIDLength = 128

// NodeID identifies a connected peer for the lifetime of its connection. The
// puller treats it as an opaque string; the transport decides its encoding.
type NodeID string

// NewNodeID returns a trimmed NodeID, or errors if the node ID is invalid.
func NewNodeID(nodeID string) (NodeID, error) {
	n := NodeID(strings.TrimSpace(nodeID))
	return n, n.Validate()
}

// Validate validates the NodeID.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")

	case len(id) > MaxNodeIDLength:
		return fmt.Errorf("invalid node ID length %d, max %d", len(id), MaxNodeIDLength)

	case strings.IndexFunc(string(id), unicode.IsSpace) >= 0:
		return errors.New("node ID can not contain whitespace")

	default:
		return nil
	}
}

// ShortString returns at most the first 12 characters, for log lines.
func (id NodeID) ShortString() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}
