package puller

import (
	"errors"
	"fmt"

	"github.com/tendermint/blockpuller/types"
)

var (
	// ErrInvalidInput is returned for inputs that violate the caller contract,
	// such as negative heights or empty peer IDs.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoEligiblePeer is returned by AssignBlocks when heights are required
	// but there is no peer to ask. It is a warning: the caller should retry once
	// peers connect.
	ErrNoEligiblePeer = errors.New("no eligible peer")

	// ErrPeerBusy may be returned by a Network to signal that the request can be
	// retried shortly, e.g. because the send queue of the peer is full.
	ErrPeerBusy = errors.New("peer busy")

	// ErrPullerStopped is returned by calls made while the puller is not running.
	ErrPullerStopped = errors.New("puller is not running")
)

// PeerError is returned for operations that reference a peer in the wrong
// state, e.g. a height update for a peer that never connected.
type PeerError struct {
	PeerID types.NodeID
	Err    error
}

func (e PeerError) Error() string {
	return fmt.Sprintf("peer %v: %s", e.PeerID, e.Err.Error())
}

func (e PeerError) Unwrap() error { return e.Err }

var (
	errUnknownPeer   = errors.New("unknown peer")
	errDuplicatePeer = errors.New("peer already connected")
)

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
