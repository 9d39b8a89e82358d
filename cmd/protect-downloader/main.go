package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/api"
	"github.com/technosupport/protect-downloader/internal/config"
	"github.com/technosupport/protect-downloader/internal/controller"
	"github.com/technosupport/protect-downloader/internal/downloader"
	"github.com/technosupport/protect-downloader/internal/history"
	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/nvr"
	"github.com/technosupport/protect-downloader/internal/nvr/protect"
	"github.com/technosupport/protect-downloader/internal/platform/paths"
	"github.com/technosupport/protect-downloader/internal/state"
)

const (
	serviceName     = "protect-downloader"
	shutdownTimeout = 10 * time.Second
	natsRetries     = 3
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file (overrides CONFIG_FILE)")
	flag.Parse()

	config.LoadEnv(nil)
	cfg, err := config.Load(paths.ResolveConfigPath(*configPath))
	if err != nil {
		logging.NewLoggerWithService(serviceName, "info").WithError(err).Fatal("Invalid configuration")
	}
	log := logging.NewLoggerWithService(serviceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("protect-downloader stopped")
	}
	log.Info("protect-downloader stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	root := paths.ResolveDownloadRoot(cfg.Download.Path)
	if err := paths.EnsureDir(root); err != nil {
		return err
	}

	client := protect.NewClient(protect.Config{
		Host:     cfg.NVR.Host,
		Username: cfg.NVR.Username,
		Password: cfg.NVR.Password,
		Logger:   log,
	})

	ledger, closeLedger := openLedger(ctx, cfg, log)
	defer closeLedger()

	store := openHistory(ctx, cfg, log)
	var recorder downloader.HistoryRecorder
	var historySource api.HistorySource
	if store != nil {
		defer store.Close()
		recorder = store
		historySource = store
	}

	publisher := openPublishers(cfg, log)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close publishers")
		}
	}()

	video := downloader.NewVideoDownloader(client, ledger, recorder, downloader.VideoConfig{
		Root:        root,
		PaddingPre:  cfg.Download.PaddingPre,
		PaddingPost: cfg.Download.PaddingPost,
	}, log)
	queue := downloader.NewQueue(video, downloader.QueueConfig{MaxRetries: cfg.Download.MaxRetries}, log)

	ctrl := controller.New(client, queue, controller.Options{
		Cameras:           cfg.Cameras,
		PreferSmartMotion: cfg.PreferSmartMotion,
		Publisher:         publisher,
		Logger:            log,
	})
	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}

	queue.Start(ctx)
	defer queue.Stop()

	stream := nvr.NewEventStream(nvr.StreamConfig{
		Host:         cfg.NVR.Host,
		LastUpdateID: client.LastUpdateID(),
		Header:       client.Headers,
	}, nvr.NewWebsocketDialer(), log)
	defer stream.Close()

	ctrl.Subscribe(stream)
	if err := stream.Connect(); err != nil {
		return err
	}

	if cfg.File != "" {
		err := config.Watch(ctx, cfg.File, log, func(next *config.Config) {
			if err := ctrl.ApplyFilter(next.Cameras, next.PreferSmartMotion); err != nil {
				log.WithError(err).Warn("Ignoring camera selection from reloaded config")
			}
		})
		if err != nil {
			log.WithError(err).Warn("Config hot reload disabled")
		}
	}

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Deps{
			Stream:  stream,
			Cameras: ctrl,
			Queue:   queue,
			History: historySource,
			Logger:  log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("Status API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case err := <-serverErr:
		log.WithError(err).Error("HTTP server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown error")
	}
	return nil
}

// openLedger prefers Redis so completed clips survive restarts and falls
// back to memory when Redis is not configured or unreachable.
func openLedger(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (state.Ledger, func()) {
	if cfg.RedisAddr == "" {
		return state.NewMemoryLedger(state.LedgerTTL), func() {}
	}

	rl := state.NewRedisLedger(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rl.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("Redis unavailable, using in-memory clip ledger")
		rl.Close()
		return state.NewMemoryLedger(state.LedgerTTL), func() {}
	}
	log.WithField("addr", cfg.RedisAddr).Info("Using Redis clip ledger")
	return rl, func() { rl.Close() }
}

func openHistory(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) *history.Store {
	if cfg.DatabaseURL == "" {
		return nil
	}
	store, err := history.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Warn("Download history disabled")
		return nil
	}
	log.Info("Recording download history")
	return store
}

func openPublishers(cfg *config.Config, log logrus.FieldLogger) nvr.MultiPublisher {
	var pubs nvr.MultiPublisher

	if cfg.MQTT.Host != "" {
		pubs = append(pubs, nvr.NewMQTTPublisher(nvr.MQTTConfig{
			Broker:   cfg.MQTT.Host,
			Prefix:   cfg.MQTT.Prefix,
			ClientID: serviceName,
		}, log))
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(serviceName),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.WithError(err).Warn("NATS disconnected")
				}
			}),
		)
		if err != nil {
			log.WithError(err).Warn("NATS unavailable, motion events will not be published there")
		} else {
			pubs = append(pubs, nvr.NewNATSPublisher(nc, cfg.NATS.Subject, natsRetries))
		}
	}

	if len(pubs) == 0 {
		log.Warn("No message bus configured, motion events are only downloaded")
	}
	return pubs
}
