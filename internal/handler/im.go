package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/bot"
	"github.com/dialtone/p3d/internal/fdo"
	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// Server-to-client IM tokens: iM delivers an incoming message, iE echoes
// the sender's own message back for window attachment.
const (
	tokenIMDeliver = "iM"
	tokenIMEcho    = "iE"
)

// imDrainBurst is smaller than the chat burst: IM windows are lighter
// traffic and the client's window open animation lags behind big bursts.
const imDrainBurst = 10

// IMHandler processes iS (initial send, ACKed, no echo) and iT (send with
// echo). Both reassemble multi-frame streams exactly like chat.
type IMHandler struct {
	logger   zerolog.Logger
	metrics  *metrics.Registry
	users    *registry.UserRegistry
	convos   *registry.ConversationIDManager
	compiler fdo.Compiler
	decoder  fdo.StreamDecoder
	bots     bot.Pipeline
	sched    *bot.Scheduler
	theme    string
}

func NewIMHandler(logger zerolog.Logger, m *metrics.Registry, users *registry.UserRegistry,
	convos *registry.ConversationIDManager, compiler fdo.Compiler, decoder fdo.StreamDecoder,
	bots bot.Pipeline, sched *bot.Scheduler, theme string) *IMHandler {
	return &IMHandler{
		logger:   logger.With().Str("component", "im").Logger(),
		metrics:  m,
		users:    users,
		convos:   convos,
		compiler: compiler,
		decoder:  decoder,
		bots:     bots,
		sched:    sched,
		theme:    theme,
	}
}

func (h *IMHandler) Tokens() []string { return []string{"iS", "iT"} }

func (h *IMHandler) Handle(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	streamID := f.StreamID()
	sess.AppendStream(streamID, f.Payload())
	if !h.decoder.EndsStream(f.Body) {
		return nil
	}

	im, err := h.decoder.DecodeIM(sess.TakeStream(streamID))
	if err != nil {
		return fmt.Errorf("im: decode stream: %w", err)
	}

	sender := sess.ScreenName()
	suc := h.users.GetConnection(sender)
	if suc == nil {
		return fmt.Errorf("im: send from unregistered session %q", sender)
	}

	if im.HasResponseID && (im.ResponseID < 1 || im.ResponseID > 0xFFFF) {
		// Protocol violation; the message still flows, the client will
		// likely ignore an unresolvable window id.
		h.logger.Warn().
			Str("screen_name", sender).
			Uint32("response_id", im.ResponseID).
			Msg("IM response id outside 16-bit range")
	}

	recipient := im.Recipient
	if recipient == "" {
		if !im.HasResponseID {
			h.logger.Debug().Str("screen_name", sender).Msg("IM reply without conversation id, dropping")
			return nil
		}
		other, ok := h.convos.OtherParticipant(uint16(im.ResponseID), sender)
		if !ok {
			h.logger.Debug().
				Str("screen_name", sender).
				Uint32("response_id", im.ResponseID).
				Msg("IM reply to unknown conversation, dropping")
			return nil
		}
		recipient = other
	}

	echo := f.Token.String() == "iT"
	h.deliver(ctx, sess, suc, sender, recipient, im.Message, echo)

	// iS is acknowledged with a short control frame instead of an echo.
	if !echo {
		if err := suc.Pacer.EnqueuePrioritySafe(ctx, wire.BuildShort(wire.TypeAck), "im_ack"); err == nil {
			suc.Pacer.DrainLimited(ctx, imDrainBurst)
		}
	}
	return nil
}

func (h *IMHandler) deliver(ctx context.Context, sess *session.Session, suc *registry.UserConnection,
	sender, recipient, message string, echo bool) {
	if h.bots.IsBot(recipient) {
		convoID := h.convos.GetOrCreate(sender, recipient)
		replies := h.bots.HandleIM(ctx, recipient, sender, message)
		botName := recipient
		h.sched.Schedule(ctx, fmt.Sprintf("%d", sess.ID), replies, func(r bot.Reply) {
			h.sendIM(context.Background(), suc, tokenIMDeliver, botName, r.Message, convoID, "im_bot")
		})
		if echo {
			h.sendIM(ctx, suc, tokenIMEcho, sender, message, convoID, "im_echo")
			h.countEcho()
		}
		return
	}

	ruc := h.users.GetConnection(recipient)
	if ruc == nil {
		h.logger.Debug().
			Str("from", sender).
			Str("to", recipient).
			Msg("IM to offline user, dropping")
		if h.metrics != nil {
			h.metrics.IM.DroppedOffline.Inc()
		}
		return
	}
	// IMs are dropped, not deferred, behind DOD exclusivity; only chat
	// broadcasts defer.
	if ruc.DODExclusive() {
		h.logger.Debug().
			Str("from", sender).
			Str("to", recipient).
			Msg("Recipient busy with DOD, dropping IM")
		if h.metrics != nil {
			h.metrics.IM.DroppedExclusive.Inc()
		}
		return
	}

	convoID := h.convos.GetOrCreate(sender, recipient)
	for _, chunk := range wire.SplitMessage(message, wire.IMMessageMax) {
		h.sendIM(ctx, ruc, tokenIMDeliver, sender, chunk, convoID, "im_deliver")
		if h.metrics != nil {
			h.metrics.IM.Delivered.Inc()
		}
		if echo {
			h.sendIM(ctx, suc, tokenIMEcho, sender, chunk, convoID, "im_echo")
			h.countEcho()
		}
	}
}

func (h *IMHandler) countEcho() {
	if h.metrics != nil {
		h.metrics.IM.Echoed.Inc()
	}
}

// sendIM compiles and ships one IM form. The conversation id doubles as
// both the window id and the stream id so the client's window mapping
// resolves; the echo reuses the same conversation so the sender's client
// attaches it to the same window.
func (h *IMHandler) sendIM(ctx context.Context, uc *registry.UserConnection,
	token, name, message string, convoID uint16, label string) {
	kind := "im_receive"
	if token == tokenIMEcho {
		kind = "im_echo"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\n", kind, convoID)
	fmt.Fprintf(&b, "im_from %s\n", name)
	fmt.Fprintf(&b, "im_body %s\n", wire.SanitizeASCII(message))
	fmt.Fprintf(&b, "im_conversation %d\n", convoID)
	fmt.Fprintf(&b, "im_theme %s\n", h.theme)

	chunks, err := h.compiler.Compile(ctx, b.String(), token, convoID)
	if err != nil {
		h.logger.Warn().Err(err).Str("label", label).Msg("IM compile failed")
		return
	}
	for _, c := range chunks {
		if err := uc.Pacer.EnqueueSafe(ctx, c, label); err != nil {
			return
		}
	}
	uc.Pacer.DrainLimited(ctx, imDrainBurst)
}
