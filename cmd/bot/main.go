package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/xaenox/topic-digest-bot/internal/bot"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "bot",
		Short:         "Community topic digest bot",
		Long:          "bot watches forum topics of a Telegram chat, groups discussions into goals and blockers\nand prepares weekly announce and digest posts for review.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot, the scheduler and the metrics endpoint",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "classify",
			Short: "Classify pending messages once and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runClassify(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete messages older than the retention window",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCleanup(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:       "post <announce|digest>",
			Short:     "Compose a post and send it for review",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"announce", "digest"},
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPost(cmd, configPath, args[0])
			},
		},
	)
	return cmd
}

// setup loads the config and builds the logger.
func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newBot(a *app) (*bot.Bot, error) {
	api, err := bot.NewAPI(a.cfg.Telegram.Token, a.cfg.Telegram.ProxyURL)
	if err != nil {
		return nil, err
	}
	b := bot.New(api, bot.Deps{
		Store:    a.store,
		Models:   a.gateway,
		Composer: a.composer,
		Jobs:     a.scheduler,
		Stats:    a.engine,
	}, bot.Config{
		MainChatID:    a.cfg.Telegram.MainChatID,
		AdminChatID:   a.cfg.Telegram.AdminChatID,
		PollTimeout:   a.cfg.Telegram.PollTimeout,
		RetentionDays: a.cfg.Retention.Days,
	}, a.logger)
	a.composer.SetReviewer(b)
	return b, nil
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Telegram.AdminChatID == 0 {
		logger.Warn("ADMIN_CHAT_ID is not set, composed posts will not be sent for review")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	b, err := newBot(a)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return b.Start(gctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, logger) })
	}

	logger.Info("Bot is running", zap.Int("models", len(a.gateway.Models())))
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Bot stopped")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runClassify(cmd *cobra.Command, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateStorage(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.AI.APIKey == "" {
		return errors.New("invalid config: AI api key is required (OPENROUTER_API_KEY)")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	report, err := a.scheduler.RunClassification(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"run %s: %d messages, %d inherited, %d linked, %d new threads, %d other, %d failed\n",
		report.RunID, report.Messages, report.Inherited, report.Linked, report.NewThreads, report.Other, report.Failed)
	return nil
}

func runCleanup(cmd *cobra.Command, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateStorage(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	deleted, err := a.scheduler.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages older than %d days\n", deleted, cfg.Retention.Days)
	return nil
}

func runPost(cmd *cobra.Command, configPath, kindArg string) error {
	kind, ok := models.ParsePostKind(kindArg)
	if !ok {
		return fmt.Errorf("unknown post kind %q, want announce or digest", kindArg)
	}

	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if _, err := newBot(a); err != nil {
		return err
	}

	post, err := a.composer.Compose(ctx, kind)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s post #%d saved and sent for review\n", post.Kind, post.ID)
	return nil
}
