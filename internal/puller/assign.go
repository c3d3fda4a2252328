package puller

import (
	"sort"

	"github.com/tendermint/blockpuller/types"
)

// Assignment is the result of one assignment pass.
type Assignment struct {
	// Tasks maps every input peer to the heights it should be asked for, in
	// ascending order. Peers that get no work map to an empty list.
	Tasks map[types.NodeID][]int64

	// Speculative lists the heights above every advertised chain height. They
	// were given to the tallest peers, which are the most likely to catch up.
	Speculative []int64

	// Deferred lists the heights that could not be given to any peer, either
	// because there are no peers or because the filter rejected every
	// candidate. They must be retried on a later pass.
	Deferred []int64
}

// Len returns the number of assigned heights.
func (a *Assignment) Len() int {
	n := 0
	for _, heights := range a.Tasks {
		n += len(heights)
	}
	return n
}

// Filter reports whether the peer may be asked for the height.
type Filter func(peerID types.NodeID, height int64) bool

// AssignBlocks partitions the required heights across the peers.
//
// A peer is eligible for a height only if its chain height is at least that
// height. Heights above every chain height go to the peer(s) with the highest
// chain height. Among eligible peers, heights are handed out in ascending
// order to the peer that is furthest below its share, where the share is the
// peer score relative to the scores of the eligible peers. Ties go to the
// lowest peer ID.
//
// Every height is assigned exactly once as long as there is at least one peer.
// Without peers, the heights are returned as Deferred together with
// ErrNoEligiblePeer. Malformed input returns an error wrapping ErrInvalidInput.
func AssignBlocks(heights []int64, peers []PeerInfo) (*Assignment, error) {
	return AssignBlocksFiltered(heights, peers, nil)
}

// AssignBlocksFiltered is AssignBlocks with a filter that can veto single
// peer/height pairs. A height whose candidates are all vetoed is deferred.
// Heights above every chain height only ever go to the tallest peers; if the
// filter vetoes all of them the height is deferred as well.
func AssignBlocksFiltered(heights []int64, peers []PeerInfo, filter Filter) (*Assignment, error) {
	a, _, err := assignBlocks(heights, peers, filter, nil)
	return a, err
}

// assignBlocks is AssignBlocksFiltered where a peer with an entry in room gets
// at most that many heights. Deferred heights that had an admissible peer
// without room are also returned as waiting.
func assignBlocks(
	heights []int64,
	peers []PeerInfo,
	filter Filter,
	room map[types.NodeID]int,
) (*Assignment, []int64, error) {
	if err := validateAssignInput(heights, peers); err != nil {
		return nil, nil, err
	}

	a := &Assignment{Tasks: make(map[types.NodeID][]int64, len(peers))}
	for _, peer := range peers {
		a.Tasks[peer.ID] = []int64{}
	}
	if len(heights) == 0 {
		return a, nil, nil
	}

	sorted := make([]int64, len(heights))
	copy(sorted, heights)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(peers) == 0 {
		a.Deferred = sorted
		return a, nil, ErrNoEligiblePeer
	}

	cands := make([]*candidate, len(peers))
	var maxHeight int64
	for i, peer := range peers {
		cands[i] = &candidate{PeerInfo: peer, room: -1}
		if n, ok := room[peer.ID]; ok {
			cands[i].room = n
		}
		if peer.Height > maxHeight {
			maxHeight = peer.Height
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })

	var waiting []int64
	eligible := make([]*candidate, 0, len(cands))
	for _, height := range sorted {
		speculative := height > maxHeight
		full := false

		eligible = eligible[:0]
		for _, c := range cands {
			if speculative && c.Height != maxHeight {
				continue
			}
			if !speculative && c.Height < height {
				continue
			}
			if filter != nil && !filter(c.ID, height) {
				continue
			}
			if c.room == 0 {
				full = true
				continue
			}
			eligible = append(eligible, c)
		}

		if len(eligible) == 0 {
			a.Deferred = append(a.Deferred, height)
			if full {
				waiting = append(waiting, height)
			}
			continue
		}

		picked := pickCandidate(eligible)
		if picked.room > 0 {
			picked.room--
		}
		a.Tasks[picked.ID] = append(a.Tasks[picked.ID], height)
		if speculative {
			a.Speculative = append(a.Speculative, height)
		}
	}

	return a, waiting, nil
}

// candidate tracks the running credit of a peer during one pass. Each height
// adds the fractional share of every eligible peer to its credit and takes
// one unit from the peer that got it, so credit measures how far a peer is
// below its target.
type candidate struct {
	PeerInfo
	credit float64
	// heights the peer can still take in this pass, -1 for no limit
	room int
}

// pickCandidate expects eligible to be sorted by ID.
func pickCandidate(eligible []*candidate) *candidate {
	var total float64
	for _, c := range eligible {
		total += c.Score
	}

	for _, c := range eligible {
		switch {
		case total == 0:
			c.credit += 1 / float64(len(eligible))
		case c.Score > 0:
			c.credit += c.Score / total
		}
	}

	var best *candidate
	for _, c := range eligible {
		// zero-score peers only get work when nobody else can do it
		if total > 0 && c.Score == 0 {
			continue
		}
		if best == nil || c.credit > best.credit {
			best = c
		}
	}

	best.credit--
	return best
}

func validateAssignInput(heights []int64, peers []PeerInfo) error {
	seenHeights := make(map[int64]struct{}, len(heights))
	for _, height := range heights {
		if height < 0 {
			return invalidInput("negative height %d", height)
		}
		if _, ok := seenHeights[height]; ok {
			return invalidInput("duplicate height %d", height)
		}
		seenHeights[height] = struct{}{}
	}

	seenPeers := make(map[types.NodeID]struct{}, len(peers))
	for _, peer := range peers {
		if err := peer.Validate(); err != nil {
			return err
		}
		if _, ok := seenPeers[peer.ID]; ok {
			return invalidInput("duplicate peer %v", peer.ID)
		}
		seenPeers[peer.ID] = struct{}{}
	}
	return nil
}
