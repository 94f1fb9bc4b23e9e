package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/mixelka/mailtriage/internal/analysis"
	"github.com/mixelka/mailtriage/internal/config"
	"github.com/mixelka/mailtriage/internal/database"
	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/internal/mailbox"
	"github.com/mixelka/mailtriage/internal/notify"
	"github.com/mixelka/mailtriage/internal/secret"
	"github.com/mixelka/mailtriage/internal/triage"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "mailtriage",
	Short:         "Fetch, triage and clean up IMAP mailboxes",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if hint := email.Hint(err); hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		cancel()
		os.Exit(1)
	}
}

// app holds the components every command shares
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *database.DB
	box       *secret.Box
	service   *email.Service
	processor *triage.Processor
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	box, err := secret.NewBox(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
	}

	taxonomy := mailbox.DefaultTaxonomy()
	if cfg.TaxonomyFile != "" {
		if taxonomy, err = mailbox.LoadTaxonomy(cfg.TaxonomyFile); err != nil {
			return nil, err
		}
		logger.Info("loaded category map", "file", cfg.TaxonomyFile, "categories", taxonomy.Categories())
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	service := email.NewService(email.ServiceConfig{
		Limits: email.Limits{
			Connect: cfg.IMAPDialTimeout,
			Auth:    cfg.IMAPAuthTimeout,
			Idle:    cfg.IMAPIdleTimeout,
		},
		FetchTimeout:   cfg.FetchTimeout,
		CleanupTimeout: cfg.CleanupTimeout,
		FetchLimit:     cfg.FetchLimit,
	}, db, taxonomy, box, logger)

	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			service.SetNotifier(tg)
			logger.Info("telegram notifications enabled", "chat_id", cfg.TelegramChatID)
		}
	}

	analyzer := analysis.NewClient(analysis.Config{
		BaseURL: cfg.AnalysisURL,
		APIKey:  cfg.AnalysisAPIKey,
		Timeout: cfg.AnalysisTimeout,
		Rate:    cfg.AnalysisRate,
	})
	if !cfg.AnalysisEnabled() {
		logger.Info("content analysis not configured, messages stay pending")
	}

	sender := email.NewSender(cfg.SMTPTimeout, logger)
	processor := triage.NewProcessor(db, analyzer, sender, box, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		box:       box,
		service:   service,
		processor: processor,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
