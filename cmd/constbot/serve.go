package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/constbot/internal/alert"
	"github.com/zulandar/constbot/internal/config"
	"github.com/zulandar/constbot/internal/db"
	"github.com/zulandar/constbot/internal/passage"
	"github.com/zulandar/constbot/internal/server"
	"github.com/zulandar/constbot/internal/session"
	"github.com/zulandar/constbot/internal/telegraph"
	"github.com/zulandar/constbot/internal/telegraph/telegram"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Long:  "Connects to Telegram, serves chats and inline queries, and runs the retry worker, the reachability sweep and the HTTP server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, envFile)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to constbot config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, envFile string) error {
	out := cmd.OutOrStdout()

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sessions, err := openSessions(cfg.Database, out)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Retry)
	if err != nil {
		return err
	}

	adapter, err := telegram.New(telegram.AdapterOpts{
		Token:          cfg.Bot.Token,
		Mode:           cfg.Bot.Mode,
		PollTimeoutSec: cfg.Bot.PollTimeoutSec,
		WebhookURL:     webhookURL(cfg),
	})
	if err != nil {
		return err
	}
	// Connect early so the router learns the bot's identity.
	if err := adapter.Connect(ctx); err != nil {
		return err
	}

	app, err := buildApp(cfg, adapter, sessions, queue, out)
	if err != nil {
		adapter.Close()
		return err
	}

	var ingester server.Ingester
	if cfg.Bot.Mode == telegram.ModeWebhook {
		ingester = adapter
	}
	srv, err := server.New(server.Opts{
		Listen:       cfg.Server.Listen,
		BotName:      adapter.BotUserName(),
		Ingester:     ingester,
		WebhookToken: cfg.Bot.Token,
		Sweeper:      app.verifier,
		VerifyAuth:   cfg.Server.VerifyAuth,
		Out:          out,
	})
	if err != nil {
		adapter.Close()
		return err
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start(ctx)
	}()

	runErr := app.daemon.Run(ctx)
	cancel()
	if err := <-srvErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// app is the wired bot, minus transport and HTTP.
type app struct {
	deliverer *telegraph.Deliverer
	router    *telegraph.Router
	verifier  *telegraph.Verifier
	daemon    *telegraph.Daemon
}

// buildApp wires delivery, routing, retries, the sweep and alerts around
// an adapter.
func buildApp(cfg *config.Config, adapter telegraph.Adapter, sessions session.Repository, queue telegraph.RetryQueue, out io.Writer) (*app, error) {
	// One set of per-chat locks covers the router, retries, the sweep
	// and admin alerts.
	locks := &session.Locker{}
	deliverer, err := telegraph.NewDeliverer(telegraph.DelivererOpts{
		Adapter:  adapter,
		Sessions: sessions,
		Queue:    queue,
		Locks:    locks,
		Timeout:  seconds(cfg.Bot.SendTimeoutSec),
	})
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(cfg.Alerts, cfg.Bot.AdminID, deliverer)
	if err != nil {
		return nil, err
	}

	botName := cfg.Bot.Username
	if id, ok := adapter.(telegraph.BotIdentity); ok && id.BotUserName() != "" {
		botName = id.BotUserName()
	}
	router, err := telegraph.NewRouter(telegraph.RouterOpts{
		Adapter:   adapter,
		Deliverer: deliverer,
		Extractor: newExtractor(cfg.Source),
		Notifier:  notifier,
		Locks:     locks,
		Whitelist: cfg.Bot.Whitelist,
		BotName:   botName,
		BotID:     cfg.Bot.BotID,
		Out:       out,
	})
	if err != nil {
		return nil, err
	}

	retry, err := telegraph.NewRetryWorker(telegraph.RetryWorkerOpts{
		Deliverer:   deliverer,
		Queue:       queue,
		Locks:       locks,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   seconds(cfg.Retry.BaseDelaySec),
		MaxDelay:    seconds(cfg.Retry.MaxDelaySec),
		Timeout:     seconds(cfg.Retry.SendTimeoutSec),
	})
	if err != nil {
		return nil, err
	}

	verifier, err := telegraph.NewVerifier(telegraph.VerifierOpts{
		Deliverer: deliverer,
		Locks:     locks,
		Timeout:   seconds(cfg.Retry.SendTimeoutSec),
	})
	if err != nil {
		return nil, err
	}

	var verifyCron string
	if cfg.Verify.Enabled {
		verifyCron = cfg.Verify.Cron
	}
	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Adapter:    adapter,
		Router:     router,
		Retry:      retry,
		Verifier:   verifier,
		Notifier:   notifier,
		VerifyCron: verifyCron,
		Out:        out,
	})
	if err != nil {
		return nil, err
	}

	return &app{deliverer: deliverer, router: router, verifier: verifier, daemon: daemon}, nil
}

// openSessions opens the configured session store, migrating sql schemas.
func openSessions(cfg config.DatabaseConfig, out io.Writer) (session.Repository, error) {
	gormDB, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if gormDB == nil {
		fmt.Fprintln(out, "Sessions: in memory (lost on restart)")
		return session.NewMemoryStore(), nil
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Sessions: %s\n", cfg.Driver)
	return session.NewGormStore(gormDB)
}

// openQueue opens the configured retry queue.
func openQueue(ctx context.Context, cfg config.RetryConfig) (telegraph.RetryQueue, error) {
	switch cfg.Backend {
	case "redis":
		client, err := telegraph.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return telegraph.NewRedisQueue(telegraph.RedisQueueOpts{Client: client, Capacity: cfg.Capacity})
	case "memory", "":
		return telegraph.NewMemoryQueue(cfg.Capacity), nil
	default:
		return nil, fmt.Errorf("retry: unsupported backend %q", cfg.Backend)
	}
}

// buildNotifier collects every configured alert channel.
func buildNotifier(cfg config.AlertsConfig, adminID int64, d *telegraph.Deliverer) (telegraph.Notifier, error) {
	var ns []telegraph.Notifier
	if cfg.Admin {
		if n := telegraph.NewAdminNotifier(d, adminID); n != nil {
			ns = append(ns, n)
		}
	}
	if cfg.Slack.BotToken != "" {
		n, err := alert.NewSlack(alert.SlackOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	if cfg.Discord.BotToken != "" {
		n, err := alert.NewDiscord(alert.DiscordOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	if len(ns) == 0 {
		return nil, nil
	}
	return alert.NewMulti(ns...), nil
}

func newExtractor(cfg config.SourceConfig) *passage.Extractor {
	return passage.NewExtractor(passage.ExtractorOpts{
		Source: passage.Source{
			ConstitutionURL: cfg.ConstitutionURL,
			BillOfRightsURL: cfg.BillOfRightsURL,
			StartMarker:     cfg.StartMarker,
			EndMarker:       cfg.EndMarker,
		},
		Timeout: seconds(cfg.TimeoutSec),
	})
}

// webhookURL is where Telegram posts updates in webhook mode. The bot token
// in the path keeps the endpoint unguessable.
func webhookURL(cfg *config.Config) string {
	if cfg.Bot.Mode != telegram.ModeWebhook || cfg.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(cfg.Server.PublicURL, "/") + "/webhook/" + cfg.Bot.Token
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
