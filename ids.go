package mqtt

import "sync"

// IDAllocator reserves and frees 16-bit message ids for one session's
// outgoing ackable packets, mirroring the reserve/free bookkeeping the
// upstream client this engine descends from keeps in its own packetIDs
// type. Id 0 is never handed out; MQTT reserves it for QoS 0 Publish,
// which carries no message id at all.
type IDAllocator struct {
	mu    sync.Mutex
	last  uint16
	inUse map[uint16]struct{}
	limit int // 0 means unlimited
}

// NewIDAllocator returns an allocator that refuses to hand out more
// than limit concurrently reserved ids. limit <= 0 means unlimited.
func NewIDAllocator(limit int) *IDAllocator {
	return &IDAllocator{inUse: make(map[uint16]struct{}), limit: limit}
}

// Reserve returns the next free id, or ok=false if the allocator is at
// its limit.
func (a *IDAllocator) Reserve() (id uint16, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && len(a.inUse) >= a.limit {
		return 0, false
	}
	for {
		a.last++
		if a.last == 0 {
			a.last = 1
		}
		if _, taken := a.inUse[a.last]; !taken {
			a.inUse[a.last] = struct{}{}
			return a.last, true
		}
	}
}

// Free releases id back to the pool.
func (a *IDAllocator) Free(id uint16) {
	a.mu.Lock()
	delete(a.inUse, id)
	a.mu.Unlock()
}

// InUse reports how many ids are currently reserved.
func (a *IDAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
