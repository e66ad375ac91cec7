// Package handler routes inbound P3 DATA frames by token and implements
// the chat, instant-message, DOD and XFER protocol surfaces.
package handler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// Handler processes the frames of one or more tokens.
type Handler interface {
	// Tokens lists the 2-byte tokens this handler owns.
	Tokens() []string
	// Handle processes one frame. Errors are logged and swallowed at the
	// dispatcher boundary; a bad frame never closes the connection.
	Handle(ctx context.Context, sess *session.Session, f *wire.Frame) error
}

// Dispatcher routes frames to handlers via a static token table. Unknown
// tokens are dropped silently (debug-logged); the protocol tolerates them.
type Dispatcher struct {
	logger  zerolog.Logger
	metrics *metrics.Registry

	handlers map[wire.Token]Handler
}

func NewDispatcher(logger zerolog.Logger, m *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		metrics:  m,
		handlers: make(map[wire.Token]Handler),
	}
}

// Register binds every token the handler claims. Last registration wins.
func (d *Dispatcher) Register(h Handler) {
	for _, tok := range h.Tokens() {
		d.handlers[wire.Tok(tok)] = h
	}
}

// Dispatch routes one frame. Handler panics and errors are contained here;
// the read loop keeps going regardless.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, f *wire.Frame) {
	h, ok := d.handlers[f.Token]
	if !ok {
		d.logger.Debug().
			Str("token", f.Token.String()).
			Str("screen_name", sess.ScreenName()).
			Msg("No handler for token, dropping frame")
		if d.metrics != nil {
			d.metrics.Dispatch.UnknownTokens.Inc()
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("token", f.Token.String()).
				Msg("Handler panicked")
			if d.metrics != nil {
				d.metrics.Dispatch.HandlerErrors.Inc()
			}
		}
	}()

	if err := h.Handle(ctx, sess, f); err != nil {
		d.logger.Warn().
			Err(err).
			Str("token", f.Token.String()).
			Str("screen_name", sess.ScreenName()).
			Msg("Handler error")
		if d.metrics != nil {
			d.metrics.Dispatch.HandlerErrors.Inc()
		}
	}
}
