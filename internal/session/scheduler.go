package session

import (
	"container/heap"
	"sync"
	"time"
)

type deadline struct {
	conversationID string
	userID         string
	at             time.Time
	version        uint64
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// scheduler is a min-heap of typing deadlines. Entries are never removed
// eagerly; a popped deadline whose version no longer matches is stale.
type scheduler struct {
	mu sync.Mutex
	h  deadlineHeap
}

func (s *scheduler) push(d deadline) {
	s.mu.Lock()
	heap.Push(&s.h, d)
	s.mu.Unlock()
}

// due pops every deadline at or before now.
func (s *scheduler) due(now time.Time) []deadline {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deadline
	for s.h.Len() > 0 && !s.h[0].at.After(now) {
		out = append(out, heap.Pop(&s.h).(deadline))
	}
	return out
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}
