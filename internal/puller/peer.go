package puller

import (
	"math"

	"github.com/tendermint/blockpuller/types"
)

// PeerInfo is a snapshot of what the assignment pass needs to know about a
// peer. Height is a hint: the peer may be behind or lying.
type PeerInfo struct {
	ID     types.NodeID
	Height int64
	Score  float64
}

// Validate checks the contract AssignBlocks relies on.
func (pi PeerInfo) Validate() error {
	if err := pi.ID.Validate(); err != nil {
		return invalidInput("peer %q: %v", pi.ID, err)
	}
	if pi.Height < 0 {
		return invalidInput("peer %v: negative height %d", pi.ID, pi.Height)
	}
	if math.IsNaN(pi.Score) || math.IsInf(pi.Score, 0) || pi.Score < 0 {
		return invalidInput("peer %v: score must be a non-negative number, got %v", pi.ID, pi.Score)
	}
	return nil
}
