package core

import (
	"container/heap"
	"sync"
	"time"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// DefaultSchedulerInterval is the wake period of the time trigger loop.
const DefaultSchedulerInterval = time.Second

type triggerEntry struct {
	at    time.Time
	id    domain.ModelID
	index int
}

// triggerQueue is a min-heap on (at, id).
type triggerQueue []*triggerEntry

func (q triggerQueue) Len() int { return len(q) }

func (q triggerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].id < q[j].id
	}
	return q[i].at.Before(q[j].at)
}

func (q triggerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *triggerQueue) Push(x any) {
	e := x.(*triggerEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *triggerQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// scheduler keeps at most one queued trigger per model.
type scheduler struct {
	mu      sync.Mutex
	queue   triggerQueue
	entries map[domain.ModelID]*triggerEntry
}

func newScheduler() *scheduler {
	return &scheduler{entries: make(map[domain.ModelID]*triggerEntry)}
}

// init seeds the queue from every live model carrying a trigger.
func (s *scheduler) init(models []domain.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = s.queue[:0]
	s.entries = make(map[domain.ModelID]*triggerEntry)
	for _, m := range models {
		if m.TimeTrigger != nil {
			s.setLocked(m.ID, *m.TimeTrigger)
		}
	}
}

// onDelta drops deleted models and re-queues every touched model by its
// current trigger.
func (s *scheduler) onDelta(delta domain.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range delta.Deleted {
		s.removeLocked(id)
	}
	for id, m := range delta.Models {
		if m.TimeTrigger == nil {
			s.removeLocked(id)
			continue
		}
		s.setLocked(id, *m.TimeTrigger)
	}
}

// due pops every entry whose instant is not after now.
func (s *scheduler) due(now time.Time) []domain.ModelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ModelID
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		e := heap.Pop(&s.queue).(*triggerEntry)
		delete(s.entries, e.id)
		out = append(out, e.id)
	}
	return out
}

// next returns the earliest queued instant.
func (s *scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].at, true
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *scheduler) setLocked(id domain.ModelID, at time.Time) {
	if e, ok := s.entries[id]; ok {
		e.at = at
		heap.Fix(&s.queue, e.index)
		return
	}
	e := &triggerEntry{at: at, id: id}
	heap.Push(&s.queue, e)
	s.entries[id] = e
}

func (s *scheduler) removeLocked(id domain.ModelID) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.queue, e.index)
	delete(s.entries, id)
}
