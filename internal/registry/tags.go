package registry

import "sync"

// Chat tags are 1-byte member identifiers in [2,255]; tag 1 is reserved for
// the room itself. Released tags go to a FIFO free pool, and each user's
// last tag is remembered so returning users get their old tag back.
//
// The allocator is a single mutex rather than per-step CAS; the "race
// reclaim" best-effort of lock-free designs (where a skipped counter value
// can be lost forever) does not arise here.
const (
	tagMin = 2
	tagMax = 255
)

type tagAllocator struct {
	mu       sync.Mutex
	byUser   map[string]byte
	byTag    map[byte]string
	freePool []byte
	lastTag  map[string]byte
	next     int
}

func newTagAllocator() *tagAllocator {
	return &tagAllocator{
		byUser:  make(map[string]byte),
		byTag:   make(map[byte]string),
		lastTag: make(map[string]byte),
		next:    tagMin,
	}
}

// assign returns the user's chat tag, allocating one if needed. Priority:
// existing assignment, the user's remembered last tag if free, the free
// pool, then the monotonic counter with an emergency scan once it runs
// past 255. Returns -1 when all 254 tags are in use.
func (a *tagAllocator) assign(username string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tag, ok := a.byUser[username]; ok {
		return int(tag)
	}

	if last, ok := a.lastTag[username]; ok {
		if _, inUse := a.byTag[last]; !inUse {
			a.removeFromPool(last)
			return int(a.bind(username, last))
		}
	}

	if len(a.freePool) > 0 {
		tag := a.freePool[0]
		a.freePool = a.freePool[1:]
		return int(a.bind(username, tag))
	}

	if a.next <= tagMax {
		tag := byte(a.next)
		a.next++
		return int(a.bind(username, tag))
	}

	// Counter exhausted: scan for any hole left by releases that the free
	// pool missed.
	for t := tagMin; t <= tagMax; t++ {
		if _, inUse := a.byTag[byte(t)]; !inUse {
			a.removeFromPool(byte(t))
			return int(a.bind(username, byte(t)))
		}
	}
	return -1
}

func (a *tagAllocator) bind(username string, tag byte) byte {
	a.byUser[username] = tag
	a.byTag[tag] = username
	a.lastTag[username] = tag
	return tag
}

func (a *tagAllocator) removeFromPool(tag byte) {
	for i, t := range a.freePool {
		if t == tag {
			a.freePool = append(a.freePool[:i], a.freePool[i+1:]...)
			return
		}
	}
}

// release returns the user's tag to the free pool. lastTag is kept so the
// user reclaims the same tag on their next join.
func (a *tagAllocator) release(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tag, ok := a.byUser[username]
	if !ok {
		return
	}
	delete(a.byUser, username)
	delete(a.byTag, tag)
	a.freePool = append(a.freePool, tag)
}

func (a *tagAllocator) tagFor(username string) (byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tag, ok := a.byUser[username]
	return tag, ok
}

func (a *tagAllocator) userFor(tag byte) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.byTag[tag]
	return u, ok
}

func (a *tagAllocator) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byUser)
}
