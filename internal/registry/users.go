package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/session"
)

// DuplicateLoginMessage is shown to a session displaced by a newer login.
const DuplicateLoginMessage = "You've been signed on from another location"

const broadcastDrainBurst = 16

// DisconnectFunc gracefully terminates a session with a user-visible
// message. Registered alongside the connection so duplicate-login
// displacement can reuse the normal teardown path.
type DisconnectFunc func(reason string) error

// DeferredBroadcast is a chat frame parked while its recipient holds DOD
// exclusivity.
type DeferredBroadcast struct {
	Frame      []byte
	Label      string
	EnqueuedAt time.Time
}

// UserConnection is the registry's view of one session. The owning read
// loop mutates most fields; dodExclusive, inChat and the deferred queue may
// be touched from broadcaster goroutines, hence atomics and a mutex.
type UserConnection struct {
	ScreenName string // original case
	Session    *session.Session
	Pacer      *session.Pacer
	Platform   session.Platform

	disconnect DisconnectFunc

	dodExclusive atomic.Bool
	inChat       atomic.Bool
	chatJoinedAt atomic.Int64 // monotonic-ish nanos; 0 when out of chat

	deferredMu sync.Mutex
	deferred   []DeferredBroadcast

	// Non-owning back-pointer; the registry owns the UserConnection.
	registry *UserRegistry
}

func (uc *UserConnection) InChat() bool { return uc.inChat.Load() }

func (uc *UserConnection) ChatJoinedAt() int64 { return uc.chatJoinedAt.Load() }

func (uc *UserConnection) DODExclusive() bool { return uc.dodExclusive.Load() }

// SetInChat flips chat membership. Entering assigns the chat tag and
// captures the join timestamp; leaving releases the tag. The invariant
// chatJoinedAt > 0 ⇔ inChat holds on both edges.
func (uc *UserConnection) SetInChat(in bool) int {
	if in {
		tag := uc.registry.AssignGlobalChatTag(uc.ScreenName)
		if tag < 0 {
			return -1
		}
		uc.chatJoinedAt.Store(time.Now().UnixNano())
		uc.inChat.Store(true)
		uc.registry.chatGaugeSync()
		return tag
	}
	uc.inChat.Store(false)
	uc.chatJoinedAt.Store(0)
	uc.registry.ReleaseChatTag(uc.ScreenName)
	uc.registry.chatGaugeSync()
	return 0
}

// SetDODExclusive toggles DOD exclusivity. Clearing it flushes the
// deferred broadcasts in arrival order.
func (uc *UserConnection) SetDODExclusive(ctx context.Context, active bool) {
	uc.dodExclusive.Store(active)
	if !active {
		uc.FlushDeferred(ctx)
	}
}

// DeferBroadcast parks a broadcast frame until exclusivity clears.
func (uc *UserConnection) DeferBroadcast(frame []byte, label string) {
	uc.deferredMu.Lock()
	defer uc.deferredMu.Unlock()
	uc.deferred = append(uc.deferred, DeferredBroadcast{
		Frame:      frame,
		Label:      label,
		EnqueuedAt: time.Now(),
	})
}

// FlushDeferred enqueues and drains every parked broadcast. Returns the
// number flushed.
func (uc *UserConnection) FlushDeferred(ctx context.Context) int {
	uc.deferredMu.Lock()
	pending := uc.deferred
	uc.deferred = nil
	uc.deferredMu.Unlock()

	for _, d := range pending {
		if err := uc.Pacer.EnqueuePrioritySafe(ctx, d.Frame, d.Label); err != nil {
			break
		}
	}
	if len(pending) > 0 {
		uc.Pacer.DrainLimited(ctx, broadcastDrainBurst)
	}
	return len(pending)
}

// ClearDeferred drops parked broadcasts without sending. Disconnect path.
func (uc *UserConnection) ClearDeferred() {
	uc.deferredMu.Lock()
	defer uc.deferredMu.Unlock()
	uc.deferred = nil
}

func (uc *UserConnection) DeferredLen() int {
	uc.deferredMu.Lock()
	defer uc.deferredMu.Unlock()
	return len(uc.deferred)
}

// BroadcastResult reports fan-out accounting for one broadcast.
type BroadcastResult struct {
	Sent      int
	Deferred  int
	Skipped   int
	Excluded  int
	NotInChat int
}

// UserRegistry maps lowercased screennames to connections and owns the
// chat tag allocator. One per process, constructed at startup and passed
// as a dependency.
type UserRegistry struct {
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	conns map[string]*UserConnection

	tags *tagAllocator
}

func NewUserRegistry(logger zerolog.Logger, m *metrics.Registry) *UserRegistry {
	return &UserRegistry{
		logger:  logger.With().Str("component", "user_registry").Logger(),
		metrics: m,
		conns:   make(map[string]*UserConnection),
		tags:    newTagAllocator(),
	}
}

// Register binds a screenname to a connection. The check-and-replace is
// atomic under the registry lock; a previously active connection on the
// same key is gracefully disconnected off-thread with the duplicate-login
// message (force-closed if that fails) and returned to the caller.
func (r *UserRegistry) Register(screenName string, sess *session.Session, pacer *session.Pacer, platform session.Platform, disconnect DisconnectFunc) (*UserConnection, *UserConnection) {
	key := strings.ToLower(screenName)

	uc := &UserConnection{
		ScreenName: screenName,
		Session:    sess,
		Pacer:      pacer,
		Platform:   platform,
		disconnect: disconnect,
		registry:   r,
	}

	r.mu.Lock()
	old := r.conns[key]
	r.conns[key] = uc
	r.mu.Unlock()

	if old != nil {
		r.logger.Info().
			Str("screen_name", screenName).
			Msg("Duplicate login, displacing previous session")
		if r.metrics != nil {
			r.metrics.Sessions.DuplicateLogins.Inc()
		}
		go r.displace(old)
	}
	return uc, old
}

func (r *UserRegistry) displace(old *UserConnection) {
	if old.disconnect != nil {
		if err := old.disconnect(DuplicateLoginMessage); err == nil {
			return
		} else {
			r.logger.Warn().Err(err).
				Str("screen_name", old.ScreenName).
				Msg("Graceful displacement failed, force closing")
		}
	}
	if old.Session != nil && old.Session.Conn != nil {
		old.Session.Conn.Close()
	}
}

// Unregister removes the connection if it is still the current holder of
// its key, releasing its chat tag.
func (r *UserRegistry) Unregister(uc *UserConnection) {
	key := strings.ToLower(uc.ScreenName)

	r.mu.Lock()
	if r.conns[key] == uc {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	uc.inChat.Store(false)
	uc.chatJoinedAt.Store(0)
	r.ReleaseChatTag(uc.ScreenName)
	r.chatGaugeSync()
}

func (r *UserRegistry) IsOnline(screenName string) bool {
	return r.GetConnection(screenName) != nil
}

func (r *UserRegistry) GetConnection(screenName string) *UserConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[strings.ToLower(screenName)]
}

func (r *UserRegistry) AllConnections() []*UserConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*UserConnection, 0, len(r.conns))
	for _, uc := range r.conns {
		out = append(out, uc)
	}
	return out
}

// OrderedChatMembers returns the in-chat connections sorted by join time
// ascending.
func (r *UserRegistry) OrderedChatMembers() []*UserConnection {
	var members []*UserConnection
	for _, uc := range r.AllConnections() {
		if uc.InChat() {
			members = append(members, uc)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ChatJoinedAt() < members[j].ChatJoinedAt()
	})
	return members
}

func (r *UserRegistry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// AssignGlobalChatTag allocates (or returns) the user's chat tag; -1 when
// the pool of 254 tags is exhausted, which is logged as a fatal-internal
// condition but fails only this operation.
func (r *UserRegistry) AssignGlobalChatTag(screenName string) int {
	tag := r.tags.assign(screenName)
	if tag < 0 {
		r.logger.Error().
			Str("screen_name", screenName).
			Msg("Chat tag pool exhausted")
	}
	if r.metrics != nil {
		r.metrics.Sessions.TagsInUse.Set(float64(r.tags.inUse()))
	}
	return tag
}

func (r *UserRegistry) ReleaseChatTag(screenName string) {
	r.tags.release(screenName)
	if r.metrics != nil {
		r.metrics.Sessions.TagsInUse.Set(float64(r.tags.inUse()))
	}
}

func (r *UserRegistry) TagForUser(screenName string) (byte, bool) {
	return r.tags.tagFor(screenName)
}

func (r *UserRegistry) UserForTag(tag byte) (string, bool) {
	return r.tags.userFor(tag)
}

func (r *UserRegistry) chatGaugeSync() {
	if r.metrics == nil {
		return
	}
	r.metrics.Sessions.ChatMembers.Set(float64(len(r.OrderedChatMembers())))
}

// BroadcastToChat fans a frame out to every chat member.
func (r *UserRegistry) BroadcastToChat(ctx context.Context, frame []byte, label string) BroadcastResult {
	return r.BroadcastToChatExcept(ctx, frame, label, "")
}

// BroadcastToChatExcept fans a frame out to every chat member except the
// named one. Recipients holding DOD exclusivity get the frame deferred;
// everyone else gets a priority enqueue plus an immediate drain, because
// the recipient's own read loop may be idle. Each recipient receives its
// own copy since the pacer restamps in place.
func (r *UserRegistry) BroadcastToChatExcept(ctx context.Context, frame []byte, label, exceptName string) BroadcastResult {
	exceptKey := strings.ToLower(exceptName)
	var res BroadcastResult

	for _, uc := range r.AllConnections() {
		if exceptKey != "" && strings.ToLower(uc.ScreenName) == exceptKey {
			res.Excluded++
			continue
		}
		if !uc.InChat() {
			res.NotInChat++
			continue
		}
		clone := append([]byte(nil), frame...)
		if uc.DODExclusive() {
			uc.DeferBroadcast(clone, label)
			res.Deferred++
			continue
		}
		if err := uc.Pacer.EnqueuePrioritySafe(ctx, clone, label); err != nil {
			res.Skipped++
			continue
		}
		uc.Pacer.DrainLimited(ctx, broadcastDrainBurst)
		res.Sent++
	}

	r.logger.Info().
		Str("label", label).
		Int("sent", res.Sent).
		Int("deferred", res.Deferred).
		Int("skipped", res.Skipped).
		Int("excluded", res.Excluded).
		Int("not_in_chat", res.NotInChat).
		Msg("Chat broadcast")

	if r.metrics != nil {
		r.metrics.Broadcast.Sent.Add(float64(res.Sent))
		r.metrics.Broadcast.Deferred.Add(float64(res.Deferred))
		r.metrics.Broadcast.Skipped.Add(float64(res.Skipped))
		r.metrics.Broadcast.Excluded.Add(float64(res.Excluded))
		r.metrics.Broadcast.NotInChat.Add(float64(res.NotInChat))
	}
	return res
}
