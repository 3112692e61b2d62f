package rate

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xrate "golang.org/x/time/rate"
)

// SlidingLog is the in-process fallback used while the remote store is
// unreachable: a per-key list of request timestamps inside the window.
// Memory is bounded twice: LRU eviction of whole keys, and at most limit+1
// stamps per key. It is instance-local and therefore only an approximation of
// the shared limit.
type SlidingLog struct {
	mu    sync.Mutex
	cap   int
	items map[string]*list.Element
	lru   *list.List // front = most recently used

	evictWarn xrate.Sometimes
}

type logEntry struct {
	key    string
	stamps []time.Time // ascending
}

func NewSlidingLog(capacity int) *SlidingLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &SlidingLog{
		cap:   capacity,
		items: make(map[string]*list.Element, capacity/2),
		lru:   list.New(),

		evictWarn: xrate.Sometimes{Interval: time.Minute},
	}
}

// Add prunes stamps older than window, records now and returns the number of
// requests in the window (including this one) and the oldest retained stamp.
// Only the newest limit+1 stamps are kept, so the count saturates at limit+1;
// the allow/deny decision is the same as with the full log.
func (s *SlidingLog) Add(key string, now time.Time, window time.Duration, limit int) (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		en := el.Value.(*logEntry)
		en.stamps = prune(en.stamps, now.Add(-window))
		if limit > 0 && len(en.stamps) > limit {
			n := copy(en.stamps, en.stamps[len(en.stamps)-limit:])
			en.stamps = en.stamps[:n]
		}
		en.stamps = append(en.stamps, now)
		s.lru.MoveToFront(el)
		return len(en.stamps), en.stamps[0]
	}

	if s.lru.Len() >= s.cap {
		if back := s.lru.Back(); back != nil {
			delete(s.items, back.Value.(*logEntry).key)
			s.lru.Remove(back)
		}
		s.evictWarn.Do(func() {
			log.Warn().Int("capacity", s.cap).Msg("fallback rate limiter at capacity, evicting keys")
		})
	}
	en := &logEntry{key: key, stamps: []time.Time{now}}
	s.items[key] = s.lru.PushFront(en)
	return 1, now
}

func (s *SlidingLog) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// prune drops stamps at or before cutoff, reusing the backing array.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	n := copy(stamps, stamps[i:])
	return stamps[:n]
}
