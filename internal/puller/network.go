package puller

import (
	"context"
	"fmt"

	"github.com/tendermint/blockpuller/types"
)

//go:generate mockery --case underscore --name Network

// Network sends block requests to peers. The response is not returned here:
// the owner of the connection validates the block and reports the outcome
// through Puller.DeliverBlockResult.
//
// RequestBlock must not block for long. It may return ErrPeerBusy to have the
// request retried after a short backoff.
type Network interface {
	RequestBlock(ctx context.Context, peerID types.NodeID, height int64) error
}

// Outcome is the result of a block request.
type Outcome int

const (
	// OutcomeValidated means the block was received and passed validation.
	OutcomeValidated Outcome = iota + 1
	// OutcomeInvalid means the block was received but failed validation.
	OutcomeInvalid
	// OutcomeTimeout means the network gave up waiting for the block.
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValidated:
		return "validated"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// BlockResult reports the outcome of a request for the block at Height sent
// to PeerID.
type BlockResult struct {
	PeerID  types.NodeID
	Height  int64
	Outcome Outcome
	// Size of the block in bytes, used to estimate the peer throughput. 0 if
	// unknown.
	Size int64
}

// Validate checks the result is well formed.
func (r BlockResult) Validate() error {
	if err := r.PeerID.Validate(); err != nil {
		return invalidInput("peer %q: %v", r.PeerID, err)
	}
	if r.Height < 0 {
		return invalidInput("negative height %d", r.Height)
	}
	switch r.Outcome {
	case OutcomeValidated, OutcomeInvalid, OutcomeTimeout:
	default:
		return invalidInput("unknown outcome %v", r.Outcome)
	}
	if r.Size < 0 {
		return invalidInput("negative block size %d", r.Size)
	}
	return nil
}
