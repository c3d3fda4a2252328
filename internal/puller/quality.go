package puller

import (
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/hashicorp/go-multierror"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/types"
)

// assumedBlockSize is used for deliveries whose size was not reported.
const assumedBlockSize = 16 * 1024

// minElapsed bounds throughput samples for deliveries that arrive
// faster than the clock resolution.
const minElapsed = time.Millisecond

// QualityTracker keeps a score per peer that approximates the throughput the
// peer delivers blocks at, in KB/s. Failures cut the score multiplicatively,
// so a peer that keeps failing quickly loses its share of work, while one bad
// event is recovered from after a few good deliveries.
//
// Scores are always within [0, max_score].
//
// QualityTracker is not safe for concurrent use. The puller owns it from its
// event loop.
type QualityTracker struct {
	logger log.Logger
	cfg    *config.PullerConfig
	store  ScoreStore

	scores   map[types.NodeID]float64
	departed *lru.Cache // types.NodeID -> float64
}

// NewQualityTracker creates a tracker. store may be nil.
func NewQualityTracker(logger log.Logger, cfg *config.PullerConfig, store ScoreStore) (*QualityTracker, error) {
	departed, err := lru.New(cfg.DepartedScoreCache)
	if err != nil {
		return nil, err
	}
	return &QualityTracker{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		scores:   make(map[types.NodeID]float64),
		departed: departed,
	}, nil
}

// Track starts tracking the peer and returns its score. A peer seen before
// starts from its last known score, otherwise from initial_score.
func (q *QualityTracker) Track(id types.NodeID) float64 {
	if score, ok := q.scores[id]; ok {
		return score
	}

	score := q.cfg.InitialScore
	if v, ok := q.departed.Get(id); ok {
		score = v.(float64)
	} else if q.store != nil {
		stored, ok, err := q.store.LoadScore(id)
		switch {
		case err != nil:
			q.logger.Error("failed to load peer score", "peer", id, "err", err)
		case ok:
			score = stored
		}
	}

	score = q.clamp(score)
	q.scores[id] = score
	return score
}

// Score returns the score of a tracked peer.
func (q *QualityTracker) Score(id types.NodeID) (float64, bool) {
	score, ok := q.scores[id]
	return score, ok
}

// Scores returns a copy of the scores of all tracked peers.
func (q *QualityTracker) Scores() map[types.NodeID]float64 {
	scores := make(map[types.NodeID]float64, len(q.scores))
	for id, score := range q.scores {
		scores[id] = score
	}
	return scores
}

// RecordSuccess raises the score toward the throughput of a validated
// delivery of size bytes that took elapsed since the request was sent. A
// success never lowers the score: a slow delivery still beats a timeout.
func (q *QualityTracker) RecordSuccess(id types.NodeID, size int64, elapsed time.Duration) {
	score, ok := q.scores[id]
	if !ok {
		return
	}
	if size <= 0 {
		size = assumedBlockSize
	}
	if elapsed < minElapsed {
		elapsed = minElapsed
	}

	sample := float64(size) / 1024 / elapsed.Seconds()
	alpha := q.cfg.ScoreSmoothing
	q.set(id, math.Max(score, (1-alpha)*score+alpha*sample))
}

// RecordTimeout penalizes a request that was not answered in time.
func (q *QualityTracker) RecordTimeout(id types.NodeID) {
	if score, ok := q.scores[id]; ok {
		q.set(id, score*q.cfg.TimeoutPenalty)
	}
}

// RecordInvalid penalizes a delivery that failed validation.
func (q *QualityTracker) RecordInvalid(id types.NodeID) {
	if score, ok := q.scores[id]; ok {
		q.set(id, score*q.cfg.InvalidPenalty)
	}
}

// RecordDisconnect stops tracking the peer. Its score is remembered for when
// it comes back.
func (q *QualityTracker) RecordDisconnect(id types.NodeID) {
	score, ok := q.scores[id]
	if !ok {
		return
	}
	delete(q.scores, id)
	q.departed.Add(id, score)

	if q.store != nil {
		if err := q.store.SaveScore(id, score); err != nil {
			q.logger.Error("failed to save peer score", "peer", id, "err", err)
		}
	}
}

// Flush saves the scores of all tracked peers to the store.
func (q *QualityTracker) Flush() error {
	if q.store == nil {
		return nil
	}
	var result error
	for id, score := range q.scores {
		if err := q.store.SaveScore(id, score); err != nil {
			result = multierror.Append(result, PeerError{PeerID: id, Err: err})
		}
	}
	return result
}

func (q *QualityTracker) set(id types.NodeID, score float64) {
	q.scores[id] = q.clamp(score)
}

func (q *QualityTracker) clamp(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > q.cfg.MaxScore:
		return q.cfg.MaxScore
	default:
		return score
	}
}
