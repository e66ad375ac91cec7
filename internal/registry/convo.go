package registry

import (
	"strings"
	"sync"

	"github.com/dialtone/p3d/internal/metrics"
)

// Conversation ids correlate the two IM windows of a pair of users: both
// directions share the one 16-bit id so each client's window mapping
// resolves. Ids run [10000,65535]; on overflow the entire table is cleared
// and the counter restarts; in-flight conversations re-key on wrap.
const (
	convoIDFirst = 10000
	convoIDLast  = 65535
)

type convoPair struct {
	a, b string // original case, sorted by lowercase
}

// ConversationIDManager allocates one id per unordered user pair.
// Keying is case-insensitive; the original casing of the first allocation
// is retained for participant lookups.
type ConversationIDManager struct {
	mu      sync.Mutex
	byPair  map[string]uint16
	byID    map[uint16]convoPair
	next    uint32
	wraps   int
	metrics *metrics.Registry
}

func NewConversationIDManager(m *metrics.Registry) *ConversationIDManager {
	return &ConversationIDManager{
		byPair:  make(map[string]uint16),
		byID:    make(map[uint16]convoPair),
		next:    convoIDFirst,
		metrics: m,
	}
}

func pairKey(a, b string) (string, convoPair) {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la > lb {
		a, b = b, a
		la, lb = lb, la
	}
	return la + "\x00" + lb, convoPair{a: a, b: b}
}

// GetOrCreate returns the id for the unordered pair {a,b}, allocating one
// if none exists.
func (c *ConversationIDManager) GetOrCreate(a, b string) uint16 {
	key, pair := pairKey(a, b)

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byPair[key]; ok {
		return id
	}

	if c.next > convoIDLast {
		// Wrap: blow the whole table and restart.
		c.byPair = make(map[string]uint16)
		c.byID = make(map[uint16]convoPair)
		c.next = convoIDFirst
		c.wraps++
		if c.metrics != nil {
			c.metrics.Sessions.ConversationWraps.Inc()
		}
	}

	id := uint16(c.next)
	c.next++
	c.byPair[key] = id
	c.byID[id] = pair
	if c.metrics != nil {
		c.metrics.Sessions.Conversations.Set(float64(len(c.byPair)))
	}
	return id
}

// OtherParticipant resolves the peer of `me` in conversation id.
func (c *ConversationIDManager) OtherParticipant(id uint16, me string) (string, bool) {
	c.mu.Lock()
	pair, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	meLower := strings.ToLower(me)
	switch {
	case strings.ToLower(pair.a) == meLower:
		return pair.b, true
	case strings.ToLower(pair.b) == meLower:
		return pair.a, true
	default:
		return "", false
	}
}

// Len reports the number of live conversation mappings.
func (c *ConversationIDManager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byPair)
}

// Wraps reports how many times the id space wrapped.
func (c *ConversationIDManager) Wraps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wraps
}
