package task

import (
	"sync"

	"github.com/dsa110/contimg/internal/model"
)

// notifier fans task state changes out to subscribers. Each subscriber gets
// an unbounded pending queue drained by its own goroutine, so a slow
// consumer never blocks the engine and no change is dropped (at-least-once).
type notifier struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	predicate func(model.TaskStateChange) bool
	out       chan model.TaskStateChange
	done      chan struct{}

	mu      sync.Mutex
	pending []model.TaskStateChange
	wake    chan struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: map[int]*subscriber{}}
}

func (n *notifier) subscribe(predicate func(model.TaskStateChange) bool) (<-chan model.TaskStateChange, func()) {
	if predicate == nil {
		predicate = func(model.TaskStateChange) bool { return true }
	}

	s := &subscriber{
		predicate: predicate,
		out:       make(chan model.TaskStateChange),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = s
	n.mu.Unlock()

	go s.drain()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(s.done)
		})
	}
	return s.out, cancel
}

func (n *notifier) publish(change model.TaskStateChange) {
	n.mu.Lock()
	subs := make([]*subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		if !s.predicate(change) {
			continue
		}
		s.enqueue(change)
	}
}

func (s *subscriber) enqueue(change model.TaskStateChange) {
	s.mu.Lock()
	s.pending = append(s.pending, change)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			change := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- change:
			case <-s.done:
				return
			}
		}
	}
}
