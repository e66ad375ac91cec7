package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/dialtone/p3d/internal/bot"
	"github.com/dialtone/p3d/internal/config"
	"github.com/dialtone/p3d/internal/fdo"
	"github.com/dialtone/p3d/internal/handler"
	"github.com/dialtone/p3d/internal/logging"
	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/ringlog"
	"github.com/dialtone/p3d/internal/server"
	"github.com/dialtone/p3d/internal/store"
)

func main() {
	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration failed")
	}

	ring := ringlog.New(cfg.RingLogLines)
	logger := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Tee:    ring,
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, ring); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, ring *ringlog.Ring) error {
	m := metrics.New()

	creds, err := openCredentials(ctx, cfg)
	if err != nil {
		return err
	}
	defer creds.Close()

	users := registry.NewUserRegistry(logger, m)
	guests := registry.NewGuestRegistry(time.Now().UnixNano(), m)
	convos := registry.NewConversationIDManager(m)

	templates := fdo.NewTemplateStore(cfg.TemplateDir, cfg.ButtonTheme)
	art := fdo.NewDirArtStore(cfg.ArtDir)
	codec := fdo.DevCodec{}

	bots := bot.NewStaticPipeline(logger)
	bots.AddBot("TOSAdvisor", map[string]string{
		"hello": "Welcome to the Dialtone Lobby! Type HELP for assistance.",
		"help":  "I can answer questions about the service. Try asking about chat or files.",
		"":      "I'm sorry, I didn't understand that.",
	})
	sched := bot.NewScheduler(logger)

	chat := handler.NewChatHandler(logger, m, users, codec, codec, templates,
		bots, sched, cfg.ChatOpenTimeout, cfg.DrainBurst)
	im := handler.NewIMHandler(logger, m, users, convos, codec, codec, bots, sched, cfg.ButtonTheme)
	dod := handler.NewDODHandler(logger, m, users, codec, codec, templates, art, cfg.DrainBurst)
	downloads := handler.NewDownloadManager(logger, m, users, codec, cfg.XferAckTimeout, cfg.DrainBurst)
	uploads := handler.NewUploadManager(logger, m, users, cfg.UploadDir, cfg.UploadMaxBytes,
		handler.UploadFlow(cfg.UploadFlow), cfg.UploadResponseTimeout,
		cfg.UploadFirstDataTimeout, cfg.UploadStallTimeout, cfg.DrainBurst)
	xfer := handler.NewXferHandler(downloads, uploads)

	dispatcher := handler.NewDispatcher(logger, m)
	dispatcher.Register(chat)
	dispatcher.Register(im)
	dispatcher.Register(dod)
	dispatcher.Register(xfer)

	auth := server.NewAuthenticator(logger, creds, guests, cfg.GuestMode)
	limiter := server.NewAcceptLimiter(logger, cfg.AcceptRate, cfg.AcceptBurst, cfg.PerIPRate, cfg.PerIPBurst)
	defer limiter.Close()

	srv := server.New(server.Deps{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Users:      users,
		Guests:     guests,
		Auth:       auth,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Chat:       chat,
		Xfer:       xfer,
		Compiler:   codec,
		Decoder:    codec,
	})
	admin := server.NewAdmin(logger, cfg.AdminAddr, m, users, ring, srv)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return admin.Run(ctx) })
	return g.Wait()
}

func openCredentials(ctx context.Context, cfg *config.Config) (store.Credentials, error) {
	switch cfg.CredentialDriver {
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.CredentialDSN)
	default:
		return store.NewMemoryStore(), nil
	}
}
