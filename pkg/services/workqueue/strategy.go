package workqueue

import "sync"

// ConcurrencyStrategy decides whether another task may start in a lane.
type ConcurrencyStrategy interface {
	CanStart(lane Lane) bool
	OnStart(lane Lane)
	OnComplete(lane Lane)
}

// BoundedStrategy allows up to a fixed number of running tasks per lane.
// Lanes are independent: a full import lane never blocks the index lane.
type BoundedStrategy struct {
	mu           sync.Mutex
	defaultLimit int
	limits       map[Lane]int
	running      map[Lane]int
}

var _ ConcurrencyStrategy = (*BoundedStrategy)(nil)

// NewBoundedStrategy allows defaultLimit concurrent tasks per lane,
// overridden per lane by limits. Limits below one are raised to one.
func NewBoundedStrategy(defaultLimit int, limits map[Lane]int) *BoundedStrategy {
	s := &BoundedStrategy{
		defaultLimit: max(defaultLimit, 1),
		limits:       make(map[Lane]int, len(limits)),
		running:      make(map[Lane]int),
	}
	for lane, n := range limits {
		s.limits[lane] = max(n, 1)
	}
	return s
}

func (s *BoundedStrategy) CanStart(lane Lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, ok := s.limits[lane]
	if !ok {
		limit = s.defaultLimit
	}
	return s.running[lane] < limit
}

func (s *BoundedStrategy) OnStart(lane Lane) {
	s.mu.Lock()
	s.running[lane]++
	s.mu.Unlock()
}

func (s *BoundedStrategy) OnComplete(lane Lane) {
	s.mu.Lock()
	if s.running[lane] > 0 {
		s.running[lane]--
	}
	s.mu.Unlock()
}
