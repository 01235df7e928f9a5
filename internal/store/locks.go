package store

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLocks serializes writes per session key. Keys hash onto a fixed set of
// mutexes, so unrelated keys rarely share one and no lock covers every key.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
