// Package sim provides an in-memory network of simulated peers for running
// the puller without a real p2p stack.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mroth/weightedrand"

	"github.com/tendermint/blockpuller/internal/puller"
	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/types"
)

var errUnknownPeer = errors.New("unknown peer")

type answer int

const (
	answerValid answer = iota
	answerInvalid
	answerDrop
)

// Profile describes how a simulated peer behaves.
type Profile struct {
	// Name prefixes the generated peer ID.
	Name string
	// Height is the highest block the peer really has. Requests above it are
	// never answered.
	Height int64
	// Latency is the time to answer a request, plus up to Jitter at random.
	Latency time.Duration
	Jitter  time.Duration
	// BlockSize is the reported size of every block, in bytes.
	BlockSize int64

	// Relative weights of the possible answers to a request the peer can
	// serve. All zero means always valid.
	ValidWeight   uint
	InvalidWeight uint
	DropWeight    uint
}

// Validate checks the profile is usable.
func (p Profile) Validate() error {
	switch {
	case p.Name == "":
		return errors.New("empty name")
	case p.Height < 0:
		return fmt.Errorf("negative height %d", p.Height)
	case p.Latency < 0 || p.Jitter < 0:
		return errors.New("negative latency")
	case p.BlockSize < 0:
		return fmt.Errorf("negative block size %d", p.BlockSize)
	}
	return nil
}

func (p Profile) chooser() (*weightedrand.Chooser, error) {
	if p.ValidWeight == 0 && p.InvalidWeight == 0 && p.DropWeight == 0 {
		p.ValidWeight = 1
	}
	return weightedrand.NewChooser(
		weightedrand.NewChoice(answerValid, p.ValidWeight),
		weightedrand.NewChoice(answerInvalid, p.InvalidWeight),
		weightedrand.NewChoice(answerDrop, p.DropWeight),
	)
}

// Sink receives the answers of the simulated peers.
type Sink interface {
	DeliverBlockResult(ctx context.Context, result puller.BlockResult) error
}

type simPeer struct {
	id      types.NodeID
	profile Profile
	chooser *weightedrand.Chooser

	requests  int
	served    int
	invalid   int
	dropped   int
	latencies []float64
}

// Network is a puller.Network backed by simulated peers. Answers are
// delivered asynchronously to the sink after the peer latency.
type Network struct {
	logger log.Logger

	mtx   sync.Mutex
	rng   *rand.Rand
	sink  Sink
	peers map[types.NodeID]*simPeer
	order []types.NodeID

	wg sync.WaitGroup
}

var _ puller.Network = (*Network)(nil)

// NewNetwork creates an empty network. The same seed gives the same sequence
// of answers for the same sequence of requests.
func NewNetwork(logger log.Logger, seed int64) *Network {
	return &Network{
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)), // nolint:gosec
		peers:  make(map[types.NodeID]*simPeer),
	}
}

// SetSink sets where answers go. It must be called before the first request.
func (n *Network) SetSink(sink Sink) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.sink = sink
}

// AddPeer adds a simulated peer and returns its ID.
func (n *Network) AddPeer(profile Profile) (types.NodeID, error) {
	if err := profile.Validate(); err != nil {
		return "", fmt.Errorf("profile %q: %w", profile.Name, err)
	}
	chooser, err := profile.chooser()
	if err != nil {
		return "", fmt.Errorf("profile %q: %w", profile.Name, err)
	}

	id := types.NodeID(fmt.Sprintf("%s-%s", profile.Name, uuid.New().String()[:8]))
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("profile %q: %w", profile.Name, err)
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.peers[id] = &simPeer{id: id, profile: profile, chooser: chooser}
	n.order = append(n.order, id)
	return id, nil
}

// RequestBlock implements puller.Network.
func (n *Network) RequestBlock(ctx context.Context, peerID types.NodeID, height int64) error {
	n.mtx.Lock()
	peer, ok := n.peers[peerID]
	if !ok {
		n.mtx.Unlock()
		return puller.PeerError{PeerID: peerID, Err: errUnknownPeer}
	}
	sink := n.sink

	ans := answerDrop
	if height <= peer.profile.Height {
		ans = peer.chooser.PickSource(n.rng).(answer)
	}
	delay := peer.profile.Latency
	if peer.profile.Jitter > 0 {
		delay += time.Duration(n.rng.Int63n(int64(peer.profile.Jitter)))
	}

	peer.requests++
	switch ans {
	case answerValid:
		peer.served++
		peer.latencies = append(peer.latencies, delay.Seconds())
	case answerInvalid:
		peer.invalid++
	case answerDrop:
		peer.dropped++
	}
	n.mtx.Unlock()

	if ans == answerDrop || sink == nil {
		return nil
	}

	result := puller.BlockResult{
		PeerID:  peerID,
		Height:  height,
		Outcome: puller.OutcomeValidated,
		Size:    peer.profile.BlockSize,
	}
	if ans == answerInvalid {
		result.Outcome = puller.OutcomeInvalid
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := sink.DeliverBlockResult(ctx, result); err != nil && ctx.Err() == nil {
			n.logger.Debug("failed to deliver block", "peer", peerID, "height", height, "err", err)
		}
	}()
	return nil
}

// Wait blocks until all scheduled answers were delivered or abandoned.
func (n *Network) Wait() {
	n.wg.Wait()
}
