package placement

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
)

// DefaultHistorySize is the number of superseded epochs a Store keeps.
const DefaultHistorySize = 16

// Store holds the current epoch and a bounded history of older ones.
//
// Readers never block: the current mapper is swapped atomically, and a
// reader that already holds a Mapper keeps using it after a newer epoch is
// published.
type Store struct {
	mu      sync.Mutex // serialises Publish
	current atomic.Pointer[Mapper]
	history *lru.Cache[uint64, *Mapper]
}

// NewStore creates an empty store remembering historySize superseded epochs.
func NewStore(historySize int) (*Store, error) {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	cache, err := lru.New[uint64, *Mapper](historySize)
	if err != nil {
		return nil, fmt.Errorf("create epoch history: %w", err)
	}
	return &Store{history: cache}, nil
}

// Publish compiles t and makes it the current epoch. The epoch must be
// strictly newer than the current one.
func (s *Store) Publish(t *topology.Topology) (*Mapper, error) {
	if !t.Checked() {
		return nil, zerrors.MalformedError("refusing to publish an unvalidated topology")
	}
	m, err := NewMapper(t)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current.Load(); cur != nil {
		if t.Epoch() <= cur.Epoch() {
			return nil, fmt.Errorf("%w: %d <= %d", zerrors.ErrStaleEpoch, t.Epoch(), cur.Epoch())
		}
		s.history.Add(cur.Epoch(), cur)
	}
	s.current.Store(m)
	return m, nil
}

// Current returns the newest epoch.
func (s *Store) Current() (*Mapper, error) {
	if m := s.current.Load(); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("%w: nothing published", zerrors.ErrUnknownEpoch)
}

// Get returns the mapper of a specific epoch, current or remembered.
func (s *Store) Get(epoch uint64) (*Mapper, error) {
	if m := s.current.Load(); m != nil && m.Epoch() == epoch {
		return m, nil
	}
	if m, ok := s.history.Get(epoch); ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %d", zerrors.ErrUnknownEpoch, epoch)
}

// Epochs lists the epochs the store can serve, oldest first.
func (s *Store) Epochs() []uint64 {
	epochs := s.history.Keys()
	if m := s.current.Load(); m != nil {
		epochs = append(epochs, m.Epoch())
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

// Map computes a placement against a specific epoch.
func (s *Store) Map(epoch uint64, ruleID int32, unit uint32, width int) (Result, error) {
	m, err := s.Get(epoch)
	if err != nil {
		return Result{}, err
	}
	return m.Map(ruleID, unit, width)
}
