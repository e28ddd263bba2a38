package task

import (
	"sync"
	"time"
)

// DedupeCache stores seen task ids with a TTL, so a task_request gossiped
// twice (retransmit, duplicate relay hop) is only ever executed once.
type DedupeCache struct {
	ttl  time.Duration
	data sync.Map // task_id -> expiryUnixNano
	tick *time.Ticker
	stop chan struct{}
}

// NewDedupeCache creates a TTL-based dedupe cache.
func NewDedupeCache(ttl time.Duration) *DedupeCache {
	d := &DedupeCache{
		ttl:  ttl,
		stop: make(chan struct{}),
		tick: time.NewTicker(time.Minute),
	}
	go d.gcLoop()
	return d
}

// Seen returns true if taskID was seen before and is still within its TTL;
// otherwise it records taskID and returns false.
func (d *DedupeCache) Seen(taskID string) bool {
	if taskID == "" {
		return false
	}
	now := time.Now().UnixNano()
	exp := time.Now().Add(d.ttl).UnixNano()

	if old, ok := d.data.Load(taskID); ok {
		if prevExp, _ := old.(int64); prevExp >= now {
			return true
		}
	}
	d.data.Store(taskID, exp)
	return false
}

// Close stops the background GC.
func (d *DedupeCache) Close() {
	close(d.stop)
	if d.tick != nil {
		d.tick.Stop()
	}
}

func (d *DedupeCache) gcLoop() {
	for {
		select {
		case <-d.tick.C:
			now := time.Now().UnixNano()
			d.data.Range(func(k, v any) bool {
				if exp, _ := v.(int64); exp < now {
					d.data.Delete(k)
				}
				return true
			})
		case <-d.stop:
			return
		}
	}
}
