package puller

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/types"
)

var t0 = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// heightState is where a height stands in the schedule.
type heightState int

const (
	heightStateUnknown heightState = iota
	heightStateRequired
	heightStateAssigned
	heightStateInFlight
)

func (e heightState) String() string {
	switch e {
	case heightStateUnknown:
		return "Unknown"
	case heightStateRequired:
		return "Required"
	case heightStateAssigned:
		return "Assigned"
	case heightStateInFlight:
		return "InFlight"
	default:
		return fmt.Sprintf("unknown heightState: %d", e)
	}
}

func (sc *schedule) getStateAtHeight(height int64) heightState {
	if _, ok := sc.required[height]; !ok {
		return heightStateUnknown
	}
	if sc.inFlight[height] > 0 {
		return heightStateInFlight
	}
	for _, peer := range sc.peers {
		for _, h := range peer.queue {
			if h == height {
				return heightStateAssigned
			}
		}
	}
	return heightStateRequired
}

func newTestSchedule(t *testing.T, cfg *config.PullerConfig) *schedule {
	t.Helper()
	if cfg == nil {
		cfg = config.TestPullerConfig()
	}
	require.NoError(t, cfg.ValidateBasic())
	q, err := NewQualityTracker(log.TestingLogger(), cfg, nil)
	require.NoError(t, err)
	return newSchedule(log.TestingLogger(), cfg, q)
}

func mustAddPeer(t *testing.T, sc *schedule, peerID types.NodeID, height int64) {
	t.Helper()
	require.NoError(t, sc.addPeer(peerID, height))
}

func requestsOf(reqs []request, peerID types.NodeID) []int64 {
	var heights []int64
	for _, req := range reqs {
		if req.peerID == peerID {
			heights = append(heights, req.height)
		}
	}
	return heights
}

func TestScheduleDispatchRespectsPendingLimit(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.MaxPendingPerPeer = 3
	sc := newTestSchedule(t, cfg)

	sc.addRequired(heightRange(1, 10)...)
	mustAddPeer(t, sc, "a", 100)
	mustAddPeer(t, sc, "b", 100)

	reqs, a := sc.nextRequests(t0)
	require.NotNil(t, a)
	assert.Equal(t, []int64{1, 3, 5}, requestsOf(reqs, "a"))
	assert.Equal(t, []int64{2, 4, 6}, requestsOf(reqs, "b"))
	for _, req := range reqs {
		assert.Equal(t, t0, req.sentAt)
		assert.False(t, req.speculative)
	}

	assert.Equal(t, heightStateInFlight, sc.getStateAtHeight(1))
	assert.Equal(t, heightStateAssigned, sc.getStateAtHeight(7))
	assert.Equal(t, heightStateUnknown, sc.getStateAtHeight(11))

	// nothing changed and both peers are full
	reqs, a = sc.nextRequests(t0)
	assert.Empty(t, reqs)
	assert.Nil(t, a)

	st := sc.status()
	assert.Equal(t, 10, st.Required)
	assert.Equal(t, 6, st.InFlight)
	assert.Equal(t, 4, st.Queued)
}

func TestScheduleDisconnectRequeuesInFlight(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.MaxPendingPerPeer = 3
	sc := newTestSchedule(t, cfg)

	sc.addRequired(heightRange(1, 10)...)
	mustAddPeer(t, sc, "a", 100)
	mustAddPeer(t, sc, "b", 100)
	reqs, _ := sc.nextRequests(t0)
	require.Len(t, requestsOf(reqs, "a"), 3)

	requeued, err := sc.removePeer("a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5}, requeued)
	for _, h := range requeued {
		assert.Equal(t, heightStateRequired, sc.getStateAtHeight(h), "height %d", h)
	}
	assert.Equal(t, 3, sc.status().InFlight)
	_, tracked := sc.quality.Score("a")
	assert.False(t, tracked)

	mustAddPeer(t, sc, "c", 100)
	reqs, _ = sc.nextRequests(t0.Add(time.Millisecond))
	assert.Empty(t, requestsOf(reqs, "b"))
	assert.Equal(t, []int64{1, 3, 5}, requestsOf(reqs, "c"))

	// nothing got lost
	for h := int64(1); h <= 10; h++ {
		state := sc.getStateAtHeight(h)
		assert.True(t, state == heightStateInFlight || state == heightStateAssigned,
			"height %d is %v", h, state)
	}
	for _, peer := range sc.peers {
		assert.NotEqual(t, types.NodeID("a"), peer.peerID)
	}
}

func TestScheduleInvalidBlockCooldown(t *testing.T) {
	cfg := config.TestPullerConfig()
	sc := newTestSchedule(t, cfg)

	sc.addRequired(5)
	mustAddPeer(t, sc, "a", 10)
	mustAddPeer(t, sc, "b", 10)

	reqs, _ := sc.nextRequests(t0)
	require.Equal(t, []request{{peerID: "a", height: 5, sentAt: t0}}, reqs)

	require.True(t, sc.markInvalid("a", 5, t0))
	score, _ := sc.quality.Score("a")
	assert.Equal(t, cfg.InitialScore*cfg.InvalidPenalty, score)
	assert.Equal(t, heightStateRequired, sc.getStateAtHeight(5))

	reqs, _ = sc.nextRequests(t0)
	require.Equal(t, []int64{5}, requestsOf(reqs, "b"))
	require.Empty(t, requestsOf(reqs, "a"))

	// a is only kept away from 5
	_, err := sc.removePeer("b")
	require.NoError(t, err)
	sc.addRequired(6)
	reqs, a := sc.nextRequests(t0)
	require.Equal(t, []int64{6}, requestsOf(reqs, "a"))
	require.Equal(t, []int64{5}, a.Deferred)

	// once the cooldown is over a gets another chance
	reqs, _ = sc.nextRequests(t0.Add(cfg.InvalidCooldown))
	require.Equal(t, []int64{5}, requestsOf(reqs, "a"))
}

func TestScheduleTimeoutSweep(t *testing.T) {
	cfg := config.TestPullerConfig()
	sc := newTestSchedule(t, cfg)

	sc.addRequired(1)
	mustAddPeer(t, sc, "a", 10)
	reqs, _ := sc.nextRequests(t0)
	require.Len(t, reqs, 1)

	assert.Empty(t, sc.sweepTimeouts(t0.Add(cfg.RequestTimeout-time.Nanosecond)))
	assert.Equal(t, heightStateInFlight, sc.getStateAtHeight(1))

	now := t0.Add(cfg.RequestTimeout)
	expired := sc.sweepTimeouts(now)
	require.Len(t, expired, 1)
	assert.Equal(t, types.NodeID("a"), expired[0].peerID)
	assert.Equal(t, int64(1), expired[0].height)
	assert.Equal(t, heightStateRequired, sc.getStateAtHeight(1))
	score, _ := sc.quality.Score("a")
	assert.Equal(t, cfg.InitialScore*cfg.TimeoutPenalty, score)

	// the only peer is cooling down
	reqs, _ = sc.nextRequests(now)
	assert.Empty(t, reqs)

	reqs, _ = sc.nextRequests(now.Add(cfg.TimeoutCooldown))
	assert.Equal(t, []int64{1}, requestsOf(reqs, "a"))
}

func TestScheduleLateResultsAreIgnored(t *testing.T) {
	sc := newTestSchedule(t, nil)

	sc.addRequired(1, 2)
	mustAddPeer(t, sc, "a", 10)
	reqs, _ := sc.nextRequests(t0)
	require.Len(t, reqs, 2)

	require.True(t, sc.markTimedOut("a", 1, t0))
	_, ok := sc.markDelivered("a", 1, 0, t0)
	assert.False(t, ok)
	assert.False(t, sc.markInvalid("a", 1, t0))
	assert.Equal(t, heightStateRequired, sc.getStateAtHeight(1))

	_, ok = sc.markDelivered("ghost", 2, 0, t0)
	assert.False(t, ok)

	elapsed, ok := sc.markDelivered("a", 2, 1024, t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, time.Second, elapsed)
	assert.Equal(t, heightStateUnknown, sc.getStateAtHeight(2))

	_, ok = sc.markDelivered("a", 2, 1024, t0.Add(time.Second))
	assert.False(t, ok)
	assert.False(t, sc.markTimedOut("a", 2, t0))
}

func TestScheduleParallelRequestsForHeight(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.MaxRequestsPerHeight = 2
	sc := newTestSchedule(t, cfg)

	sc.addRequired(1)
	mustAddPeer(t, sc, "a", 10)
	mustAddPeer(t, sc, "b", 10)

	reqs, _ := sc.nextRequests(t0)
	require.Equal(t, []int64{1}, requestsOf(reqs, "a"))
	require.Empty(t, requestsOf(reqs, "b"))

	reqs, _ = sc.nextRequests(t0.Add(cfg.RebalanceInterval))
	require.Equal(t, []int64{1}, requestsOf(reqs, "b"))
	assert.Equal(t, 2, sc.status().InFlight)

	// a third pass has nobody left to ask
	reqs, _ = sc.nextRequests(t0.Add(2 * cfg.RebalanceInterval))
	require.Empty(t, reqs)

	_, ok := sc.markDelivered("b", 1, 0, t0.Add(2*cfg.RebalanceInterval))
	require.True(t, ok)
	assert.Zero(t, sc.status().InFlight)
	_, ok = sc.markDelivered("a", 1, 0, t0.Add(2*cfg.RebalanceInterval))
	assert.False(t, ok)
}

func TestScheduleHeightStrikes(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.HeightStrikeLimit = 2
	cfg.TimeoutCooldown = 0
	sc := newTestSchedule(t, cfg)

	sc.addRequired(20, 21)
	mustAddPeer(t, sc, "a", 100)
	mustAddPeer(t, sc, "b", 10)

	reqs, _ := sc.nextRequests(t0)
	require.Equal(t, []int64{20, 21}, requestsOf(reqs, "a"))

	require.True(t, sc.markTimedOut("a", 21, t0))
	require.True(t, sc.markTimedOut("a", 20, t0))

	st := sc.status()
	require.Len(t, st.Peers, 2)
	assert.Equal(t, int64(100), st.Peers[0].Height)
	assert.Equal(t, int64(19), st.Peers[0].EffectiveHeight)
	assert.Equal(t, 2, st.Peers[0].Strikes)

	// a is still the tallest, so it gets the heights nobody advertises
	reqs, a := sc.nextRequests(t0)
	require.Equal(t, []int64{20, 21}, a.Speculative)
	require.Equal(t, []int64{20, 21}, requestsOf(reqs, "a"))
	for _, req := range reqs {
		assert.True(t, req.speculative)
	}

	_, ok := sc.markDelivered("a", 21, 0, t0.Add(time.Second))
	require.True(t, ok)
	st = sc.status()
	assert.Equal(t, int64(100), st.Peers[0].EffectiveHeight)
	assert.Zero(t, st.Peers[0].Strikes)
}

func TestScheduleStrikesClearedByHigherAdvertisedHeight(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.HeightStrikeLimit = 1
	sc := newTestSchedule(t, cfg)

	sc.addRequired(8)
	mustAddPeer(t, sc, "a", 10)
	sc.nextRequests(t0)
	require.True(t, sc.markInvalid("a", 8, t0))
	assert.Equal(t, int64(7), sc.peers["a"].effectiveHeight(cfg.HeightStrikeLimit))

	require.NoError(t, sc.setPeerHeight("a", 10))
	assert.Equal(t, int64(7), sc.peers["a"].effectiveHeight(cfg.HeightStrikeLimit))

	require.NoError(t, sc.setPeerHeight("a", 12))
	assert.Equal(t, int64(12), sc.peers["a"].effectiveHeight(cfg.HeightStrikeLimit))
}

func TestScheduleStalledSpeculativeHeight(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.MaxSpeculativeAttempts = 2
	cfg.TimeoutCooldown = 0
	cfg.HeightStrikeLimit = 0
	sc := newTestSchedule(t, cfg)

	sc.addRequired(10)
	mustAddPeer(t, sc, "a", 5)

	for i := 0; i < 2; i++ {
		reqs, _ := sc.nextRequests(t0)
		require.Len(t, reqs, 1)
		require.True(t, reqs[0].speculative)
		require.True(t, sc.markTimedOut("a", 10, t0))
	}

	assert.Equal(t, []int64{10}, sc.status().Stalled)

	// a stalled height is still retried
	reqs, _ := sc.nextRequests(t0)
	require.Equal(t, []int64{10}, requestsOf(reqs, "a"))

	// and forgotten once delivered
	_, ok := sc.markDelivered("a", 10, 0, t0)
	require.True(t, ok)
	assert.Empty(t, sc.status().Stalled)
}

func TestScheduleStarvedHeight(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.StarvationPasses = 3
	cfg.InvalidCooldown = time.Hour
	sc := newTestSchedule(t, cfg)

	sc.addRequired(5)
	mustAddPeer(t, sc, "a", 10)
	sc.nextRequests(t0)
	require.True(t, sc.markInvalid("a", 5, t0))

	for i := 0; i < 3; i++ {
		reqs, a := sc.nextRequests(t0.Add(time.Duration(i) * cfg.RebalanceInterval))
		require.Empty(t, reqs)
		require.NotNil(t, a)
		require.Equal(t, []int64{5}, a.Deferred)
		if i < 2 {
			require.Empty(t, sc.status().Starved)
		}
	}
	assert.Equal(t, []int64{5}, sc.status().Starved)

	// a new peer can serve it
	mustAddPeer(t, sc, "b", 10)
	reqs, _ := sc.nextRequests(t0.Add(3 * cfg.RebalanceInterval))
	require.Equal(t, []int64{5}, requestsOf(reqs, "b"))
	assert.Empty(t, sc.status().Starved)
}

func TestScheduleNoPeers(t *testing.T) {
	sc := newTestSchedule(t, nil)
	sc.addRequired(3, 1, 2)

	reqs, a := sc.nextRequests(t0)
	assert.Empty(t, reqs)
	require.NotNil(t, a)
	assert.Equal(t, []int64{1, 2, 3}, a.Deferred)
}

func TestSchedulePeerBookkeeping(t *testing.T) {
	sc := newTestSchedule(t, nil)

	assert.Equal(t, 2, sc.addRequired(1, 2))
	assert.Equal(t, 1, sc.addRequired(2, 3))

	mustAddPeer(t, sc, "a", 10)
	err := sc.addPeer("a", 10)
	require.True(t, errors.Is(err, errDuplicatePeer))
	var perr PeerError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, types.NodeID("a"), perr.PeerID)

	require.True(t, errors.Is(sc.setPeerHeight("b", 1), errUnknownPeer))
	_, err = sc.removePeer("b")
	require.True(t, errors.Is(err, errUnknownPeer))

	// a lower height is taken as is
	require.NoError(t, sc.setPeerHeight("a", 2))
	reqs, a := sc.nextRequests(t0)
	assert.Equal(t, []int64{1, 2, 3}, requestsOf(reqs, "a"))
	assert.Equal(t, []int64{3}, a.Speculative)
}

func TestScheduleFullPeersDoNotHoldRequeuedHeights(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.MaxPendingPerPeer = 3
	sc := newTestSchedule(t, cfg)

	sc.addRequired(heightRange(1, 6)...)
	mustAddPeer(t, sc, "a", 100)
	mustAddPeer(t, sc, "b", 100)
	reqs, _ := sc.nextRequests(t0)
	require.Equal(t, []int64{1, 3, 5}, requestsOf(reqs, "a"))
	require.Equal(t, []int64{2, 4, 6}, requestsOf(reqs, "b"))

	_, err := sc.removePeer("a")
	require.NoError(t, err)
	mustAddPeer(t, sc, "c", 100)

	// b is full, so everything a had goes to c right away
	reqs, a := sc.nextRequests(t0)
	assert.Empty(t, requestsOf(reqs, "b"))
	assert.Equal(t, []int64{1, 3, 5}, requestsOf(reqs, "c"))
	assert.Empty(t, a.Deferred)

	for i := 1; i <= 5; i++ {
		reqs, _ = sc.nextRequests(t0.Add(time.Duration(i) * cfg.RebalanceInterval))
		assert.Empty(t, reqs)
		for h := int64(1); h <= 6; h++ {
			assert.Equal(t, heightStateInFlight, sc.getStateAtHeight(h), "height %d", h)
		}
	}
}

func TestScheduleFreeSlotsGoToLowestHeights(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.MaxPendingPerPeer = 2
	sc := newTestSchedule(t, cfg)

	sc.addRequired(heightRange(10, 13)...)
	mustAddPeer(t, sc, "a", 100)
	reqs, _ := sc.nextRequests(t0)
	require.Equal(t, []int64{10, 11}, requestsOf(reqs, "a"))

	// a is full: b takes the lowest heights it can send now, and
	// a keeps what it will be asked next
	mustAddPeer(t, sc, "b", 100)
	sc.addRequired(14, 15)
	reqs, a := sc.nextRequests(t0)
	assert.Equal(t, []int64{12, 13}, requestsOf(reqs, "b"))
	assert.Empty(t, a.Deferred)
	assert.Equal(t, heightStateAssigned, sc.getStateAtHeight(14))
	assert.Equal(t, heightStateAssigned, sc.getStateAtHeight(15))
	assert.Equal(t, 2, sc.status().Queued)

	// a delivery frees a slot on a, which takes the next queued height
	_, ok := sc.markDelivered("a", 10, 0, t0.Add(time.Second))
	require.True(t, ok)
	reqs, _ = sc.nextRequests(t0.Add(time.Second))
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(14), reqs[0].height)
}

func TestScheduleFullPeersAreNotStarving(t *testing.T) {
	cfg := config.TestPullerConfig()
	cfg.MaxPendingPerPeer = 1
	cfg.StarvationPasses = 2
	sc := newTestSchedule(t, cfg)

	sc.addRequired(1, 2)
	mustAddPeer(t, sc, "a", 10)
	for i := 0; i < 4; i++ {
		_, a := sc.nextRequests(t0.Add(time.Duration(i) * cfg.RebalanceInterval))
		require.NotNil(t, a)
		assert.Empty(t, a.Deferred)
	}
	assert.Empty(t, sc.status().Starved)
	assert.Equal(t, heightStateAssigned, sc.getStateAtHeight(2))
}
