package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dialtone/p3d/internal/config"
	"github.com/dialtone/p3d/internal/fdo"
	"github.com/dialtone/p3d/internal/handler"
	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// readIdleTimeout bounds silent connections. The 3.0 clients keepalive
// well inside this window.
const readIdleTimeout = 5 * time.Minute

// Deps carries everything the server wires together at startup.
type Deps struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Metrics    *metrics.Registry
	Users      *registry.UserRegistry
	Guests     *registry.GuestRegistry
	Auth       *Authenticator
	Limiter    *AcceptLimiter
	Dispatcher *handler.Dispatcher
	Chat       *handler.ChatHandler
	Xfer       *handler.XferHandler
	Compiler   fdo.Compiler
	Decoder    fdo.StreamDecoder
}

// Server owns the P3 TCP listener and the per-connection read loops.
type Server struct {
	deps   Deps
	logger zerolog.Logger

	ln        net.Listener
	connCount atomic.Int64
}

func New(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "server").Logger(),
	}
}

// Run accepts connections until ctx is cancelled, then closes the
// listener and waits for the read loops to drain.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.deps.Config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.deps.Config.Addr, err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", s.deps.Config.Addr).Msg("P3 listener up")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		ip := remoteIP(conn)
		if !s.deps.Limiter.Allow(ip) {
			s.logger.Warn().Str("ip", ip).Msg("Connection rejected by rate limiter")
			if s.deps.Metrics != nil {
				s.deps.Metrics.Sessions.AcceptRejected.Inc()
			}
			conn.Close()
			continue
		}
		if int(s.connCount.Load()) >= s.deps.Config.MaxConnections {
			s.logger.Warn().Str("ip", ip).Msg("Connection rejected, at capacity")
			if s.deps.Metrics != nil {
				s.deps.Metrics.Sessions.AcceptRejected.Inc()
			}
			conn.Close()
			continue
		}

		go s.serveConn(ctx, conn)
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// serveConn is one connection's read loop, from accept to cleanup.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.connCount.Add(1)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Sessions.Active.Inc()
	}

	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	pacer := session.NewPacer(conn, logger)
	if s.deps.Metrics != nil {
		pacer.SetOutCounter(s.deps.Metrics.Frames.Out)
	}
	sess := session.New(conn, pacer, logger)

	defer s.teardown(ctx, sess, conn, pacer)

	reader := wire.NewReader(conn)
	burst := s.deps.Config.DrainBurst

	for {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		f, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("Read loop ended")
			}
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.Frames.In.Inc()
		}
		pacer.SetPeerSequence(f.TX)

		switch f.Type {
		case wire.TypeInit:
			// The token slot of an INIT frame is part of the platform
			// record, not a real token.
			raw := append([]byte{f.Token[0], f.Token[1]}, f.Body...)
			info := session.ParseInit(raw)
			sess.SetInit(info)
			sess.SetLowColor(info.LowColor)
			logger.Info().
				Str("platform", info.Platform.String()).
				Uint8("version_major", info.VersionMajor).
				Bool("low_color", info.LowColor).
				Msg("Client INIT")
			pacer.EnqueuePrioritySafe(ctx, wire.BuildShort(wire.TypeAck), "init_ack")
			pacer.DrainLimited(ctx, burst)

		case wire.TypeData:
			if !sess.Authenticated() {
				if f.Token == wire.Tok("Dd") {
					s.handleLogin(ctx, sess, f)
				} else {
					logger.Debug().Str("token", f.Token.String()).Msg("Frame before login, dropping")
					if s.deps.Metrics != nil {
						s.deps.Metrics.Frames.Dropped.Inc()
					}
				}
			} else {
				s.deps.Dispatcher.Dispatch(ctx, sess, f)
			}
			// The client ACKed our last burst by talking; release more.
			pacer.DrainLimited(ctx, burst)

		default:
			// Short control frames (keepalive ACKs) just advance the
			// sequence window and flush anything waiting.
			pacer.DrainLimited(ctx, burst)
		}
	}
}

// handleLogin drives the Dd flow: reassemble the login stream, resolve
// credentials, register the user and ship the welcome form.
func (s *Server) handleLogin(ctx context.Context, sess *session.Session, f *wire.Frame) {
	streamID := f.StreamID()
	sess.AppendStream(streamID, f.Payload())
	if !s.deps.Decoder.EndsStream(f.Body) {
		return
	}

	pacer := sess.Pacer
	burst := s.deps.Config.DrainBurst

	fail := func(why string) {
		sess.Logger.Warn().Str("reason", why).Msg("Login failed")
		pacer.EnqueuePrioritySafe(ctx, wire.Data("Dd", []byte{0x00}).Marshal(), "login_fail")
		pacer.DrainLimited(ctx, burst)
	}

	name, password, err := s.deps.Decoder.DecodeLogin(sess.TakeStream(streamID))
	if err != nil {
		fail("malformed login stream")
		return
	}

	res, err := s.deps.Auth.Authenticate(ctx, name, password)
	if err != nil {
		fail(err.Error())
		return
	}

	sess.SetAuthenticated(res.ScreenName, password, res.Ephemeral)
	s.deps.Users.Register(res.ScreenName, sess, pacer, sess.Platform(), s.disconnectFunc(sess))

	ok := append([]byte{0x01}, res.ScreenName...)
	pacer.EnqueuePrioritySafe(ctx, wire.Data("Dd", ok).Marshal(), "login_ok")

	welcome, err := s.deps.Compiler.Compile(ctx,
		fmt.Sprintf("welcome %s", res.ScreenName), "AT", wire.DefaultStreamID)
	if err == nil {
		for _, c := range welcome {
			pacer.EnqueueSafe(ctx, c, "welcome")
		}
	}
	pacer.DrainLimited(ctx, burst)

	sess.Logger.Info().
		Str("screen_name", res.ScreenName).
		Bool("ephemeral", res.Ephemeral).
		Msg("Login succeeded")
}

// disconnectFunc builds the graceful-displacement hook the registry calls
// on duplicate logins: notify, flush, close.
func (s *Server) disconnectFunc(sess *session.Session) registry.DisconnectFunc {
	return func(reason string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Pacer.EnqueuePrioritySafe(ctx, wire.Data("La", []byte(reason)).Marshal(), "forced_logout"); err != nil {
			return err
		}
		if _, err := sess.Pacer.DrainLimited(ctx, 1); err != nil {
			return err
		}
		return sess.Conn.Close()
	}
}

// teardown runs the disconnect sequence: departure broadcast, registry
// removal, transfer cleanup, guest release, deferred queue drop, secret
// wipe.
func (s *Server) teardown(ctx context.Context, sess *session.Session, conn net.Conn, pacer *session.Pacer) {
	name := sess.ScreenName()
	uc := s.deps.Users.GetConnection(name)
	if uc != nil && uc.Session != sess {
		// Displaced by a duplicate login; the name now belongs to the
		// replacement connection and its state must be left alone.
		uc = nil
	}

	s.deps.Chat.Departure(ctx, sess)
	if uc != nil {
		s.deps.Users.Unregister(uc)
	}
	s.deps.Xfer.CloseAll(sess.ID)
	if sess.Ephemeral() && registry.IsGuestName(name) {
		s.deps.Guests.Release(name)
	}
	if uc != nil {
		uc.ClearDeferred()
	}
	sess.ClearSecrets()

	pacer.Close()
	conn.Close()
	s.connCount.Add(-1)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Sessions.Active.Dec()
	}
	if name != "" {
		s.logger.Info().Str("screen_name", name).Msg("Session closed")
	}
}

// OnlineCount reports live TCP connections (admin surface).
func (s *Server) OnlineCount() int64 {
	return s.connCount.Load()
}
