package puller

import (
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/blockpuller/types"
)

// ScoreStore persists peer scores across restarts.
type ScoreStore interface {
	// LoadScore returns the stored score of the peer. The boolean is false if
	// nothing is stored.
	LoadScore(id types.NodeID) (float64, bool, error)
	SaveScore(id types.NodeID, score float64) error
}

// DBScoreStore is a ScoreStore backed by a database.
type DBScoreStore struct {
	db dbm.DB
}

var _ ScoreStore = (*DBScoreStore)(nil)

// NewDBScoreStore creates a score store on top of db.
func NewDBScoreStore(db dbm.DB) *DBScoreStore {
	return &DBScoreStore{db: db}
}

func (s *DBScoreStore) LoadScore(id types.NodeID) (float64, bool, error) {
	bz, err := s.db.Get(keyPeerScore(id))
	if err != nil {
		return 0, false, err
	}
	if bz == nil {
		return 0, false, nil
	}
	score, err := decodeScore(bz)
	if err != nil {
		return 0, false, fmt.Errorf("peer %v: %w", id, err)
	}
	return score, true, nil
}

func (s *DBScoreStore) SaveScore(id types.NodeID, score float64) error {
	bz, err := orderedcode.Append(nil, score)
	if err != nil {
		return err
	}
	return s.db.Set(keyPeerScore(id), bz)
}

// Scores returns all stored scores.
func (s *DBScoreStore) Scores() (map[types.NodeID]float64, error) {
	start, end := keyPeerScoreRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	scores := make(map[types.NodeID]float64)
	for ; iter.Valid(); iter.Next() {
		var (
			prefix int64
			id     string
		)
		if _, err := orderedcode.Parse(string(iter.Key()), &prefix, &id); err != nil {
			return nil, fmt.Errorf("invalid score key: %w", err)
		}
		score, err := decodeScore(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("peer %v: %w", id, err)
		}
		scores[types.NodeID(id)] = score
	}
	if iter.Error() != nil {
		return nil, iter.Error()
	}
	return scores, nil
}

func decodeScore(bz []byte) (float64, error) {
	var score float64
	if _, err := orderedcode.Parse(string(bz), &score); err != nil {
		return 0, fmt.Errorf("invalid score value: %w", err)
	}
	return score, nil
}

// Database key prefixes.
const (
	prefixPeerScore int64 = 1
)

func keyPeerScore(id types.NodeID) []byte {
	key, err := orderedcode.Append(nil, prefixPeerScore, string(id))
	if err != nil {
		panic(err)
	}
	return key
}

func keyPeerScoreRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixPeerScore, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixPeerScore, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}
