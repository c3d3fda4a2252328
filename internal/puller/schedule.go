package puller

import (
	"errors"
	"sort"
	"time"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/types"
)

type request struct {
	peerID      types.NodeID
	height      int64
	sentAt      time.Time
	speculative bool
}

type scPeer struct {
	peerID types.NodeID
	// advertised chain height
	height int64

	// failures since the last validated delivery at or above lowestStrike
	strikes      int
	lowestStrike int64

	queue   []int64
	pending map[int64]*request
}

func newScPeer(peerID types.NodeID, height int64) *scPeer {
	return &scPeer{
		peerID:       peerID,
		height:       height,
		lowestStrike: -1,
		pending:      make(map[int64]*request),
	}
}

// effectiveHeight is the advertised height, capped below the lowest failed
// height once the peer has reached strikeLimit failures.
func (p *scPeer) effectiveHeight(strikeLimit int) int64 {
	if strikeLimit <= 0 || p.strikes < strikeLimit || p.lowestStrike > p.height {
		return p.height
	}
	if p.lowestStrike == 0 {
		return 0
	}
	return p.lowestStrike - 1
}

func (p *scPeer) strike(height int64) {
	p.strikes++
	if p.lowestStrike < 0 || height < p.lowestStrike {
		p.lowestStrike = height
	}
}

func (p *scPeer) clearStrikes() {
	p.strikes = 0
	p.lowestStrike = -1
}

type cooldownKey struct {
	peerID types.NodeID
	height int64
}

// schedule holds the download state of the puller: the required heights, the
// connected peers with their queues and in-flight requests, and the per
// height cooldowns. All methods take the current time as an argument.
//
// schedule is not safe for concurrent use.
type schedule struct {
	cfg     *config.PullerConfig
	logger  log.Logger
	quality *QualityTracker

	required map[int64]struct{}
	peers    map[types.NodeID]*scPeer
	// number of outstanding requests per height
	inFlight  map[int64]int
	cooldowns map[cooldownKey]time.Time

	// heights the last pass placed on the tallest peers
	speculative  map[int64]struct{}
	specFailures map[int64]int
	stalled      map[int64]struct{}

	// consecutive passes a height was deferred
	deferred map[int64]int
	starved  map[int64]struct{}

	dirty    bool
	lastPass time.Time
}

func newSchedule(logger log.Logger, cfg *config.PullerConfig, quality *QualityTracker) *schedule {
	return &schedule{
		cfg:          cfg,
		logger:       logger,
		quality:      quality,
		required:     make(map[int64]struct{}),
		peers:        make(map[types.NodeID]*scPeer),
		inFlight:     make(map[int64]int),
		cooldowns:    make(map[cooldownKey]time.Time),
		speculative:  make(map[int64]struct{}),
		specFailures: make(map[int64]int),
		stalled:      make(map[int64]struct{}),
		deferred:     make(map[int64]int),
		starved:      make(map[int64]struct{}),
	}
}

// addRequired adds heights to the required set and returns how many were new.
func (sc *schedule) addRequired(heights ...int64) int {
	added := 0
	for _, height := range heights {
		if _, ok := sc.required[height]; ok {
			continue
		}
		sc.required[height] = struct{}{}
		added++
	}
	if added > 0 {
		sc.dirty = true
	}
	return added
}

func (sc *schedule) addPeer(peerID types.NodeID, height int64) error {
	if _, ok := sc.peers[peerID]; ok {
		return PeerError{PeerID: peerID, Err: errDuplicatePeer}
	}
	sc.peers[peerID] = newScPeer(peerID, height)
	sc.quality.Track(peerID)
	sc.dirty = true
	return nil
}

// removePeer forgets the peer and returns the heights that were in flight
// from it, in ascending order. They go back to the required set.
func (sc *schedule) removePeer(peerID types.NodeID) ([]int64, error) {
	peer, ok := sc.peers[peerID]
	if !ok {
		return nil, PeerError{PeerID: peerID, Err: errUnknownPeer}
	}

	requeued := make([]int64, 0, len(peer.pending))
	for height := range peer.pending {
		sc.finishRequest(peer, height)
		requeued = append(requeued, height)
	}
	sort.Slice(requeued, func(i, j int) bool { return requeued[i] < requeued[j] })

	for key := range sc.cooldowns {
		if key.peerID == peerID {
			delete(sc.cooldowns, key)
		}
	}

	delete(sc.peers, peerID)
	sc.quality.RecordDisconnect(peerID)
	sc.dirty = true
	return requeued, nil
}

// setPeerHeight updates the advertised height of the peer. Lower heights are
// accepted: the peer may have switched to another fork.
func (sc *schedule) setPeerHeight(peerID types.NodeID, height int64) error {
	peer, ok := sc.peers[peerID]
	if !ok {
		return PeerError{PeerID: peerID, Err: errUnknownPeer}
	}
	if height == peer.height {
		return nil
	}
	if height > peer.height {
		peer.clearStrikes()
	}
	peer.height = height
	sc.dirty = true
	return nil
}

// markDelivered records a validated block and returns how long the request
// took. It reports false if the height was not in flight from the peer.
func (sc *schedule) markDelivered(peerID types.NodeID, height, size int64, now time.Time) (time.Duration, bool) {
	peer, req := sc.pendingRequest(peerID, height)
	if req == nil {
		return 0, false
	}
	elapsed := now.Sub(req.sentAt)
	sc.finishRequest(peer, height)
	sc.quality.RecordSuccess(peerID, size, elapsed)

	if peer.strikes > 0 && height >= peer.lowestStrike {
		peer.clearStrikes()
	}

	delete(sc.required, height)
	// requests for the same height to other peers are no longer needed
	for _, other := range sc.peers {
		if _, ok := other.pending[height]; ok {
			sc.finishRequest(other, height)
		}
	}
	sc.forgetHeight(height)
	sc.dirty = true
	return elapsed, true
}

// markInvalid records a block that failed validation. The peer is kept away
// from the height for invalid_cooldown.
func (sc *schedule) markInvalid(peerID types.NodeID, height int64, now time.Time) bool {
	peer, _ := sc.pendingRequest(peerID, height)
	if peer == nil {
		return false
	}
	sc.quality.RecordInvalid(peerID)
	sc.fail(peer, height, now, sc.cfg.InvalidCooldown)
	return true
}

// markTimedOut records a request that was not answered in time.
func (sc *schedule) markTimedOut(peerID types.NodeID, height int64, now time.Time) bool {
	peer, _ := sc.pendingRequest(peerID, height)
	if peer == nil {
		return false
	}
	sc.quality.RecordTimeout(peerID)
	sc.fail(peer, height, now, sc.cfg.TimeoutCooldown)
	return true
}

// sweepTimeouts times out every request older than request_timeout and
// returns them.
func (sc *schedule) sweepTimeouts(now time.Time) []request {
	var expired []request
	for _, peer := range sc.sortedPeers() {
		for _, req := range peer.pending {
			if now.Sub(req.sentAt) >= sc.cfg.RequestTimeout {
				expired = append(expired, *req)
			}
		}
	}
	sort.SliceStable(expired, func(i, j int) bool {
		if expired[i].peerID != expired[j].peerID {
			return expired[i].peerID < expired[j].peerID
		}
		return expired[i].height < expired[j].height
	})

	for _, req := range expired {
		sc.markTimedOut(req.peerID, req.height, now)
	}
	return expired
}

// reschedule runs an assignment pass over every required height that can
// take another request, and replaces the peer queues with the result.
func (sc *schedule) reschedule(now time.Time) (*Assignment, error) {
	for key, until := range sc.cooldowns {
		if !now.Before(until) {
			delete(sc.cooldowns, key)
		}
	}

	heights := make([]int64, 0, len(sc.required))
	for height := range sc.required {
		if sc.inFlight[height] < sc.cfg.MaxRequestsPerHeight {
			heights = append(heights, height)
		}
	}

	peers := sc.sortedPeers()
	infos := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		score, _ := sc.quality.Score(peer.peerID)
		infos = append(infos, PeerInfo{
			ID:     peer.peerID,
			Height: peer.effectiveHeight(sc.cfg.HeightStrikeLimit),
			Score:  score,
		})
	}

	filter := func(peerID types.NodeID, height int64) bool {
		if sc.coolingDown(peerID, height, now) {
			return false
		}
		_, pending := sc.peers[peerID].pending[height]
		return !pending
	}

	// The lowest heights go to the peers that can be asked right away. What
	// is left for full peers is queued behind, to be sent as they free up.
	room := make(map[types.NodeID]int, len(peers))
	for _, peer := range peers {
		n := sc.cfg.MaxPendingPerPeer - len(peer.pending)
		if n < 0 {
			n = 0
		}
		room[peer.peerID] = n
	}
	a, waiting, err := assignBlocks(heights, infos, filter, room)
	if err != nil && !errors.Is(err, ErrNoEligiblePeer) {
		return nil, err
	}
	if len(waiting) > 0 {
		planned, _, err := assignBlocks(waiting, infos, filter, nil)
		if err != nil {
			return nil, err
		}
		mergePlanned(a, planned, waiting)
	}

	for _, peer := range peers {
		peer.queue = a.Tasks[peer.peerID]
	}

	sc.speculative = make(map[int64]struct{}, len(a.Speculative))
	for _, height := range a.Speculative {
		sc.speculative[height] = struct{}{}
	}

	deferred := make(map[int64]struct{}, len(a.Deferred))
	for _, height := range a.Deferred {
		deferred[height] = struct{}{}
		sc.deferred[height]++
		if sc.cfg.StarvationPasses > 0 && sc.deferred[height] >= sc.cfg.StarvationPasses {
			if _, ok := sc.starved[height]; !ok {
				sc.starved[height] = struct{}{}
				sc.logger.Error("height has no peer to download from",
					"height", height, "passes", sc.deferred[height])
			}
		}
	}
	for _, height := range heights {
		if _, ok := deferred[height]; !ok {
			delete(sc.deferred, height)
			delete(sc.starved, height)
		}
	}

	sc.dirty = false
	sc.lastPass = now
	return a, err
}

// mergePlanned appends the planned assignment of the waiting heights to a.
// Every waiting height has a peer in planned, so none stays deferred.
func mergePlanned(a, planned *Assignment, waiting []int64) {
	for id, heights := range planned.Tasks {
		a.Tasks[id] = append(a.Tasks[id], heights...)
	}
	if len(planned.Speculative) > 0 {
		a.Speculative = append(a.Speculative, planned.Speculative...)
		sort.Slice(a.Speculative, func(i, j int) bool { return a.Speculative[i] < a.Speculative[j] })
	}

	isWaiting := make(map[int64]struct{}, len(waiting))
	for _, height := range waiting {
		isWaiting[height] = struct{}{}
	}
	deferred := a.Deferred[:0]
	for _, height := range a.Deferred {
		if _, ok := isWaiting[height]; !ok {
			deferred = append(deferred, height)
		}
	}
	a.Deferred = deferred
	if len(a.Deferred) == 0 {
		a.Deferred = nil
	}
}

// nextRequests runs an assignment pass if one is due and pops requests off
// the peer queues while the peers have room for them. The returned requests
// are in flight from now on. The assignment is nil if no pass was run.
func (sc *schedule) nextRequests(now time.Time) ([]request, *Assignment) {
	var a *Assignment
	if sc.dirty || now.Sub(sc.lastPass) >= sc.cfg.RebalanceInterval {
		var err error
		a, err = sc.reschedule(now)
		switch {
		case errors.Is(err, ErrNoEligiblePeer):
			sc.logger.Debug("no peers to assign heights to", "required", len(sc.required))
			return nil, a
		case err != nil:
			sc.logger.Error("assignment pass failed", "err", err)
			return nil, nil
		}
	}

	var reqs []request
	for _, peer := range sc.sortedPeers() {
		for len(peer.pending) < sc.cfg.MaxPendingPerPeer && len(peer.queue) > 0 {
			height := peer.queue[0]
			peer.queue = peer.queue[1:]

			if _, ok := sc.required[height]; !ok {
				continue
			}
			if _, ok := peer.pending[height]; ok {
				continue
			}
			if sc.inFlight[height] >= sc.cfg.MaxRequestsPerHeight || sc.coolingDown(peer.peerID, height, now) {
				continue
			}

			_, speculative := sc.speculative[height]
			req := &request{
				peerID:      peer.peerID,
				height:      height,
				sentAt:      now,
				speculative: speculative,
			}
			peer.pending[height] = req
			sc.inFlight[height]++
			reqs = append(reqs, *req)
		}
	}
	return reqs, a
}

func (sc *schedule) pendingRequest(peerID types.NodeID, height int64) (*scPeer, *request) {
	peer, ok := sc.peers[peerID]
	if !ok {
		return nil, nil
	}
	req, ok := peer.pending[height]
	if !ok {
		return nil, nil
	}
	return peer, req
}

func (sc *schedule) finishRequest(peer *scPeer, height int64) {
	delete(peer.pending, height)
	if sc.inFlight[height] <= 1 {
		delete(sc.inFlight, height)
	} else {
		sc.inFlight[height]--
	}
}

// fail puts a failed request back to the required set.
func (sc *schedule) fail(peer *scPeer, height int64, now time.Time, cooldown time.Duration) {
	req := peer.pending[height]
	sc.finishRequest(peer, height)

	if cooldown > 0 {
		sc.cooldowns[cooldownKey{peerID: peer.peerID, height: height}] = now.Add(cooldown)
	}
	peer.strike(height)

	if req.speculative {
		sc.specFailures[height]++
		limit := sc.cfg.MaxSpeculativeAttempts
		if limit > 0 && sc.specFailures[height] >= limit {
			if _, ok := sc.stalled[height]; !ok {
				sc.stalled[height] = struct{}{}
				sc.logger.Error("no peer seems to have height, still retrying",
					"height", height, "attempts", sc.specFailures[height])
			}
		}
	}
	sc.dirty = true
}

func (sc *schedule) forgetHeight(height int64) {
	delete(sc.speculative, height)
	delete(sc.specFailures, height)
	delete(sc.stalled, height)
	delete(sc.deferred, height)
	delete(sc.starved, height)
	for key := range sc.cooldowns {
		if key.height == height {
			delete(sc.cooldowns, key)
		}
	}
}

func (sc *schedule) coolingDown(peerID types.NodeID, height int64, now time.Time) bool {
	until, ok := sc.cooldowns[cooldownKey{peerID: peerID, height: height}]
	return ok && now.Before(until)
}

func (sc *schedule) sortedPeers() []*scPeer {
	peers := make([]*scPeer, 0, len(sc.peers))
	for _, peer := range sc.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].peerID < peers[j].peerID })
	return peers
}

// PeerStatus describes a connected peer.
type PeerStatus struct {
	ID types.NodeID
	// Height is the advertised chain height, EffectiveHeight the height used
	// for assignment after failures are taken into account.
	Height          int64
	EffectiveHeight int64
	Score           float64
	InFlight        int
	Queued          int
	Strikes         int
}

// Status is a snapshot of the puller state.
type Status struct {
	Required int
	InFlight int
	Queued   int
	// heights nobody could be asked for for starvation_passes passes
	Starved []int64
	// heights no peer advertises that failed max_speculative_attempts times
	Stalled []int64
	Peers   []PeerStatus
}

func (sc *schedule) status() Status {
	st := Status{
		Required: len(sc.required),
		Starved:  sortedHeights(sc.starved),
		Stalled:  sortedHeights(sc.stalled),
	}
	for _, n := range sc.inFlight {
		st.InFlight += n
	}
	for _, peer := range sc.sortedPeers() {
		score, _ := sc.quality.Score(peer.peerID)
		st.Queued += len(peer.queue)
		st.Peers = append(st.Peers, PeerStatus{
			ID:              peer.peerID,
			Height:          peer.height,
			EffectiveHeight: peer.effectiveHeight(sc.cfg.HeightStrikeLimit),
			Score:           score,
			InFlight:        len(peer.pending),
			Queued:          len(peer.queue),
			Strikes:         peer.strikes,
		})
	}
	return st
}

func sortedHeights(set map[int64]struct{}) []int64 {
	heights := make([]int64, 0, len(set))
	for height := range set {
		heights = append(heights, height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}
