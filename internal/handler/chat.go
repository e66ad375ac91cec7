package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/bot"
	"github.com/dialtone/p3d/internal/fdo"
	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// RoomName is the single logical chat room this server hosts.
const RoomName = "Dialtone Lobby"

// LobbyGID is the room form's asset id; a registered template under this
// GID overrides the generated snapshot preamble.
const LobbyGID uint32 = 0x01000535

// roomTag is the reserved tag 1: room-originated lines (bot replies,
// system notices) carry it.
const roomTag byte = 1

// ChatHandler owns the chat entry state machine (CJ/ME -> CO -> CL), the
// Aa message reassembly, and the CA/CB membership broadcasts.
type ChatHandler struct {
	logger      zerolog.Logger
	metrics     *metrics.Registry
	users       *registry.UserRegistry
	compiler    fdo.Compiler
	decoder     fdo.StreamDecoder
	templates   *fdo.TemplateStore
	bots        bot.Pipeline
	sched       *bot.Scheduler
	openTimeout time.Duration
	drainBurst  int

	mu      sync.Mutex
	pending map[uint64]*time.Timer // session id -> CO timeout
}

func NewChatHandler(logger zerolog.Logger, m *metrics.Registry, users *registry.UserRegistry,
	compiler fdo.Compiler, decoder fdo.StreamDecoder, templates *fdo.TemplateStore,
	bots bot.Pipeline, sched *bot.Scheduler, openTimeout time.Duration, drainBurst int) *ChatHandler {
	return &ChatHandler{
		logger:      logger.With().Str("component", "chat").Logger(),
		metrics:     m,
		users:       users,
		compiler:    compiler,
		decoder:     decoder,
		templates:   templates,
		bots:        bots,
		sched:       sched,
		openTimeout: openTimeout,
		drainBurst:  drainBurst,
		pending:     make(map[uint64]*time.Timer),
	}
}

func (h *ChatHandler) Tokens() []string { return []string{"CJ", "ME", "CO", "CL", "Aa"} }

func (h *ChatHandler) Handle(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	switch f.Token.String() {
	case "CJ", "ME":
		return h.handleJoin(ctx, sess, f)
	case "CO":
		return h.handleOpen(ctx, sess)
	case "CL":
		h.Departure(ctx, sess)
		return nil
	case "Aa":
		return h.handleMessage(ctx, sess, f)
	}
	return nil
}

// handleJoin answers CJ/ME with the room snapshot and arms the CO timeout.
// The joiner's tag is assigned here so the snapshot can include them; CO
// later finds the assignment already in place.
func (h *ChatHandler) handleJoin(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	name := sess.ScreenName()
	uc := h.users.GetConnection(name)
	if uc == nil {
		return fmt.Errorf("chat: join from unregistered session %q", name)
	}

	tag := h.users.AssignGlobalChatTag(name)
	if tag < 0 {
		return nil // logged by the registry; the join silently fails
	}

	streamID := wire.NormalizeStreamID(f.StreamID())
	chunks, err := h.compiler.Compile(ctx, h.roomSource(name, byte(tag)), "AT", streamID)
	if err != nil {
		return fmt.Errorf("chat: compile room snapshot: %w", err)
	}
	for _, c := range chunks {
		if err := uc.Pacer.EnqueueSafe(ctx, c, "chat_room"); err != nil {
			return err
		}
	}
	if _, err := uc.Pacer.DrainLimited(ctx, h.drainBurst); err != nil {
		return err
	}

	h.armOpenTimeout(sess)
	return nil
}

// roomSource builds the snapshot the joiner's client renders: the room
// header, the bot roster, the current members in join order, then the
// joiner. A registered lobby template, if any, is prepended.
func (h *ChatHandler) roomSource(joiner string, joinTag byte) string {
	var b strings.Builder
	if src, ok := h.templates.FromRegistry(LobbyGID); ok {
		b.WriteString(src)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "chat_room %s\n", RoomName)
	for _, botName := range h.bots.Roster() {
		fmt.Fprintf(&b, "chat_host %s\n", botName)
	}
	joinerLower := strings.ToLower(joiner)
	for _, member := range h.users.OrderedChatMembers() {
		if strings.ToLower(member.ScreenName) == joinerLower {
			continue
		}
		if tag, ok := h.users.TagForUser(member.ScreenName); ok {
			fmt.Fprintf(&b, "chat_member %d %s\n", tag, member.ScreenName)
		}
	}
	fmt.Fprintf(&b, "chat_member %d %s\n", joinTag, joiner)
	return b.String()
}

func (h *ChatHandler) armOpenTimeout(sess *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.pending[sess.ID]; ok {
		old.Stop()
	}
	id := sess.ID
	name := sess.ScreenName()
	h.pending[id] = time.AfterFunc(h.openTimeout, func() {
		h.logger.Warn().
			Str("screen_name", name).
			Dur("timeout", h.openTimeout).
			Msg("Chat open not confirmed in time")
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	})
}

func (h *ChatHandler) cancelOpenTimeout(sessID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.pending[sessID]; ok {
		t.Stop()
		delete(h.pending, sessID)
	}
}

// handleOpen confirms the join: membership flips on and everyone already
// in the room learns about the arrival.
func (h *ChatHandler) handleOpen(ctx context.Context, sess *session.Session) error {
	h.cancelOpenTimeout(sess.ID)

	name := sess.ScreenName()
	uc := h.users.GetConnection(name)
	if uc == nil {
		return fmt.Errorf("chat: open from unregistered session %q", name)
	}

	tag := uc.SetInChat(true)
	if tag < 0 {
		return nil
	}

	arrival := wire.BuildChatNotification(true, byte(tag), name)
	h.users.BroadcastToChatExcept(ctx, arrival, "chat_arrival", name)
	h.logger.Info().
		Str("screen_name", name).
		Int("tag", tag).
		Msg("Joined chat")
	return nil
}

// Departure runs the leave path: the CB broadcast carries the tag captured
// before release. Also invoked by the server's disconnect cleanup, so it
// must tolerate sessions that never joined, and sessions displaced by a
// duplicate login whose name now resolves to the replacement connection.
func (h *ChatHandler) Departure(ctx context.Context, sess *session.Session) {
	h.cancelOpenTimeout(sess.ID)
	h.sched.Cancel(fmt.Sprintf("%d", sess.ID))

	name := sess.ScreenName()
	uc := h.users.GetConnection(name)
	if uc == nil || uc.Session != sess || !uc.InChat() {
		return
	}

	tag, ok := h.users.TagForUser(name)
	uc.SetInChat(false)
	if !ok {
		return
	}

	departure := wire.BuildChatNotification(false, tag, name)
	h.users.BroadcastToChatExcept(ctx, departure, "chat_departure", name)
	h.logger.Info().
		Str("screen_name", name).
		Uint8("tag", tag).
		Msg("Left chat")
}

// handleMessage accumulates Aa frames per stream id and, once the stream
// ends, echoes and broadcasts the AA line and hands the text to the bots.
func (h *ChatHandler) handleMessage(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	streamID := f.StreamID()
	sess.AppendStream(streamID, f.Payload())
	if !h.decoder.EndsStream(f.Body) {
		return nil
	}

	text, err := h.decoder.DecodeChatText(sess.TakeStream(streamID))
	if err != nil {
		return fmt.Errorf("chat: decode message: %w", err)
	}

	name := sess.ScreenName()
	tag, ok := h.users.TagForUser(name)
	if !ok {
		h.logger.Debug().Str("screen_name", name).Msg("Chat message from outside the room, dropping")
		return nil
	}
	uc := h.users.GetConnection(name)
	if uc == nil {
		return nil
	}

	for _, chunk := range wire.SplitMessage(text, wire.ChatMessageMax) {
		line := wire.BuildChatMessage(tag, chunk)
		echo := append([]byte(nil), line...)
		if err := uc.Pacer.EnqueuePrioritySafe(ctx, echo, "chat_echo"); err == nil {
			uc.Pacer.DrainLimited(ctx, h.drainBurst)
		}
		h.users.BroadcastToChatExcept(ctx, line, "chat_message", name)
	}

	replies := h.bots.HandleChat(ctx, name, text)
	h.sched.Schedule(ctx, fmt.Sprintf("%d", sess.ID), replies, func(r bot.Reply) {
		h.roomSay(context.Background(), r.Message)
	})
	return nil
}

// roomSay broadcasts a room-originated line under the reserved tag.
func (h *ChatHandler) roomSay(ctx context.Context, message string) {
	for _, chunk := range wire.SplitMessage(message, wire.ChatMessageMax) {
		h.users.BroadcastToChat(ctx, wire.BuildChatMessage(roomTag, chunk), "chat_bot")
	}
}
