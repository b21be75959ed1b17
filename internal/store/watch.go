package store

import (
	"context"
	"sync"

	"apbdes/internal/domain"
)

// hub fans committed changes out to live-query subscribers. Each subscriber
// holds a buffered channel of one snapshot; a slow consumer sees the latest
// result set, not every intermediate one.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	village string
	year    int
	ch      chan []domain.BudgetLine
}

func newHub() *hub {
	return &hub{subs: map[int]*subscriber{}}
}

func (s *DB) Subscribe(village string, fiscalYear int) (<-chan []domain.BudgetLine, func()) {
	sub := &subscriber{
		village: village,
		year:    fiscalYear,
		ch:      make(chan []domain.BudgetLine, 1),
	}
	s.hub.mu.Lock()
	id := s.hub.nextID
	s.hub.nextID++
	s.hub.subs[id] = sub
	s.hub.mu.Unlock()

	// Seed with the current snapshot so a subscriber never starts blind.
	if snapshot, err := s.ListLines(context.Background(), village, fiscalYear); err == nil {
		sub.push(snapshot)
	}

	cancel := func() {
		s.hub.mu.Lock()
		if _, ok := s.hub.subs[id]; ok {
			delete(s.hub.subs, id)
			close(sub.ch)
		}
		s.hub.mu.Unlock()
	}
	return sub.ch, cancel
}

// broadcast re-runs the scoped query once per affected subscriber after a
// commit. Runs outside the transaction; a read failure only skips the push.
func (s *DB) broadcast(ctx context.Context, village string, fiscalYear int) {
	s.hub.mu.Lock()
	var targets []int
	for id, sub := range s.hub.subs {
		if sub.village == village && sub.year == fiscalYear {
			targets = append(targets, id)
		}
	}
	s.hub.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	snapshot, err := s.ListLines(ctx, village, fiscalYear)
	if err != nil {
		return
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for _, id := range targets {
		// A subscriber may have canceled between the two lock windows.
		if sub, ok := s.hub.subs[id]; ok {
			sub.push(snapshot)
		}
	}
}

func (sub *subscriber) push(snapshot []domain.BudgetLine) {
	for {
		select {
		case sub.ch <- snapshot:
			return
		default:
			// Replace the stale snapshot.
			select {
			case <-sub.ch:
			default:
			}
		}
	}
}
