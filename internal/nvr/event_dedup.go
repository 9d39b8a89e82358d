package nvr

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EventDedup remembers recently handled motion events. A reconnect that
// resumes from an older update cursor can replay frames we already acted on.
type EventDedup struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewEventDedup(maxKeys int, ttl time.Duration) *EventDedup {
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	c, _ := lru.New[string, time.Time](maxKeys)
	return &EventDedup{
		cache: c,
		ttl:   ttl,
		now:   time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL and records it
// otherwise.
func (d *EventDedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if addedAt, ok := d.cache.Get(key); ok && now.Sub(addedAt) < d.ttl {
		return true
	}
	d.cache.Add(key, now)
	return false
}

// BuildDedupKey identifies one phase of one motion interval.
func BuildDedupKey(ev MotionEvent) string {
	phase := "start"
	if ev.Ended() {
		phase = "end"
	}
	return fmt.Sprintf("%s|%s|%s|%d", ev.Camera, ev.Type, phase, ev.Start)
}
