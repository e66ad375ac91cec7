package registry

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/dialtone/p3d/internal/metrics"
)

// Ephemeral guests get names of the form ~GuestNNNN with N in [1000,9999).
// The leading ~ is reserved; real screennames cannot carry it.
const (
	GuestPrefix   = "~Guest"
	guestNumMin   = 1000
	guestNumMax   = 9999 // draw range is [1000,9999)
	guestAttempts = guestNumMax - guestNumMin
)

// GuestRegistry tracks in-use ephemeral guest numbers.
type GuestRegistry struct {
	mu      sync.Mutex
	inUse   map[int]struct{}
	rnd     *rand.Rand
	metrics *metrics.Registry
}

func NewGuestRegistry(seed int64, m *metrics.Registry) *GuestRegistry {
	return &GuestRegistry{
		inUse:   make(map[int]struct{}),
		rnd:     rand.New(rand.NewSource(seed)),
		metrics: m,
	}
}

// Acquire draws a free guest name uniformly; exhaustion after pool-size
// attempts fails this allocation only.
func (g *GuestRegistry) Acquire() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < guestAttempts; i++ {
		n := guestNumMin + g.rnd.Intn(guestNumMax-guestNumMin)
		if _, taken := g.inUse[n]; taken {
			continue
		}
		g.inUse[n] = struct{}{}
		g.gaugeSync()
		return fmt.Sprintf("%s%d", GuestPrefix, n), nil
	}
	return "", fmt.Errorf("registry: guest pool exhausted after %d attempts", guestAttempts)
}

// Release frees the guest name if it is one.
func (g *GuestRegistry) Release(name string) {
	if !IsGuestName(name) {
		return
	}
	n, err := strconv.Atoi(name[len(GuestPrefix):])
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inUse, n)
	g.gaugeSync()
}

func (g *GuestRegistry) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inUse)
}

func (g *GuestRegistry) gaugeSync() {
	if g.metrics != nil {
		g.metrics.Sessions.Guests.Set(float64(len(g.inUse)))
	}
}

// IsGuestName reports whether name is an ephemeral guest name.
func IsGuestName(name string) bool {
	return strings.HasPrefix(name, GuestPrefix) && len(name) == len(GuestPrefix)+4
}
