package sbp

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// internTable keeps one canonical pointer per distinct value, bucketed by a murmur3 hash of the
// value's canonical text form.
type internTable[T any] struct {
	mu      sync.Mutex
	buckets map[uint64][]*T
	equal   func(a, b *T) bool
}

func newInternTable[T any](equal func(a, b *T) bool) *internTable[T] {
	return &internTable[T]{buckets: make(map[uint64][]*T), equal: equal}
}

func hashKey(key string) uint64 {
	return murmur3.Sum64([]byte(key))
}

// intern returns the canonical pointer equal to candidate, registering candidate if it's new.
func (t *internTable[T]) intern(hash uint64, candidate *T) *T {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.buckets[hash] {
		if t.equal(existing, candidate) {
			return existing
		}
	}
	t.buckets[hash] = append(t.buckets[hash], candidate)
	return candidate
}

// size returns the number of distinct interned values.
func (t *internTable[T]) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}
