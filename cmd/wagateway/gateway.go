package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"wagateway/internal/browser"
	"wagateway/internal/bus"
	"wagateway/internal/config"
	"wagateway/internal/gateway"
	"wagateway/internal/metrics"
	"wagateway/internal/notify"
	"wagateway/internal/sender"
	"wagateway/internal/session"
	"wagateway/internal/store"
	"wagateway/internal/target"
	"wagateway/internal/upload"

	"github.com/spf13/cobra"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the HTTP gateway and the WhatsApp session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func runGateway() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewEventBus(logger)
	metrics.Track(metrics.Collector, eventBus)

	// Interface-typed handles stay nil when the journal is off.
	var (
		gwJournal   gateway.Journal
		sendJournal sender.Journal
		pruner      upload.Pruner
	)
	if cfg.Journal.Enabled {
		journal, err := store.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		journal.Follow(eventBus)
		gwJournal, sendJournal, pruner = journal, journal, journal
	}

	dispatcher, err := buildDispatcher(cfg.Notify)
	if err != nil {
		return err
	}
	dispatcher.Subscribe(eventBus)

	sup := session.NewSupervisor(session.SupervisorConfig{
		Factory: browser.NewFactory(browser.Config{
			ProfileDir: cfg.Session.DataPath,
			ChromePath: cfg.Session.ChromePath,
			Headless:   cfg.Session.Headless,
			URL:        cfg.Session.WebURL,
			Logger:     logger,
		}),
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       ms(cfg.Session.ReconnectDelayMs),
		InitTimeout:          ms(cfg.Session.InitTimeoutMs),
		StaleReinitDelay:     ms(cfg.Session.StaleReinitDelayMs),
		Bus:                  eventBus,
		Logger:               logger,
	})

	var attachmentDirs []string
	if len(cfg.Send.AttachmentDirs) > 0 {
		attachmentDirs = append(slices.Clone(cfg.Send.AttachmentDirs), cfg.Uploads.Dir)
	}
	coord := sender.NewCoordinator(sender.CoordinatorConfig{
		Session:    sup,
		Formatter:  target.New(cfg.Send.DefaultCountryCode),
		AckTimeout: ms(cfg.Send.AckTimeoutMs),
		Bus:        eventBus,
		Journal:    sendJournal,
		Throttle:   sender.NewRateLimiter(cfg.Send.Burst, cfg.Send.RatePerMinute),
		Logger:     logger,

		AttachmentDirs: attachmentDirs,
	})
	defer coord.Close()

	uploads, err := upload.NewStore(upload.StoreConfig{
		Dir:          cfg.Uploads.Dir,
		MaxSizeBytes: cfg.Uploads.MaxSizeBytes,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("upload store: %w", err)
	}
	janitor := upload.NewJanitor(upload.JanitorConfig{
		Dir:              cfg.Uploads.Dir,
		MaxAge:           time.Duration(cfg.Uploads.MaxAgeHours) * time.Hour,
		Interval:         time.Duration(cfg.Uploads.CleanupIntervalMinutes) * time.Minute,
		Journal:          pruner,
		JournalRetention: time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour,
		Logger:           logger,
	})
	go janitor.Start(ctx)

	var collector *metrics.MetricsCollector
	if cfg.Metrics.Enabled {
		collector = metrics.Collector
	}
	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:         cfg.HTTP.Addr(),
		BasePath:     cfg.HTTP.BasePath,
		APIKey:       cfg.HTTP.APIKey,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSeconds) * time.Second,
		Sender:       coord,
		Control:      session.NewControl(sup),
		Uploads:      uploads,
		Journal:      gwJournal,
		Bus:          eventBus,
		Metrics:      collector,
		MetricsPath:  cfg.Metrics.Endpoint,
		Logger:       logger,
	})
	defer srv.Close()

	logger.Info("wagateway starting",
		"version", version,
		"config", cfgPath,
		"addr", cfg.HTTP.Addr(),
		"basePath", cfg.HTTP.BasePath,
		"session", cfg.Session.DataPath,
		"journal", cfg.Journal.Enabled,
	)
	if cfg.HTTP.APIKey == "" {
		logger.Warn("no API key configured, the HTTP API is unauthenticated")
	}

	sup.Start(ctx)

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		if err != nil {
			logger.Error("http server failed", "err", err)
		}
		stop()
	}

	logger.Info("shutting down...")
	select {
	case <-sup.Done():
	case <-time.After(10 * time.Second):
		logger.Warn("graceful shutdown timed out, forcing exit")
	}
	dispatcher.Wait()
	logger.Info("goodbye")
	return err
}

func buildDispatcher(cfg config.NotifyConfig) (*notify.Dispatcher, error) {
	var notifiers []notify.Notifier
	if cfg.Terminal {
		notifiers = append(notifiers, notify.NewTerminal(os.Stdout))
	}
	if cfg.Telegram.Enabled {
		ids, err := cfg.Telegram.ChatIDs.Int64s()
		if err != nil {
			return nil, fmt.Errorf("notify.telegram.chatIds: %w", err)
		}
		notifiers = append(notifiers, notify.NewTelegram(notify.TelegramConfig{
			Token:   cfg.Telegram.Token,
			ChatIDs: ids,
		}))
	}
	if cfg.Slack.Enabled {
		notifiers = append(notifiers, notify.NewSlack(notify.SlackConfig{
			WebhookURL: cfg.Slack.WebhookURL,
			BotToken:   cfg.Slack.BotToken,
			Channel:    cfg.Slack.Channel,
		}))
	}
	if cfg.Discord.Enabled {
		notifiers = append(notifiers, notify.NewDiscord(notify.DiscordConfig{
			Token:     cfg.Discord.Token,
			ChannelID: cfg.Discord.ChannelID,
		}))
	}
	return notify.NewDispatcher(notify.DispatcherConfig{
		Notifiers: notifiers,
		Logger:    logger,
	}), nil
}
