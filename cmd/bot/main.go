package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/app"
	"github.com/xaenox/wwtd-bot/internal/billing"
	"github.com/xaenox/wwtd-bot/internal/bot"
	"github.com/xaenox/wwtd-bot/internal/completion"
	"github.com/xaenox/wwtd-bot/internal/conversation"
	"github.com/xaenox/wwtd-bot/internal/ledger"
	"github.com/xaenox/wwtd-bot/internal/metrics"
	"github.com/xaenox/wwtd-bot/internal/storage"
	"github.com/xaenox/wwtd-bot/internal/threads"
	"github.com/xaenox/wwtd-bot/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	quota := ledger.New(store, cfg.Quota.InitialTokens, logger)
	threadAdapter := threads.NewAdapter(store, logger)

	completer := completion.NewOpenAICompleter(completion.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: cfg.OpenAI.Temperature,
	}, logger)

	// Initialize billing
	products := make([]billing.Product, 0, len(cfg.Billing.Products))
	for _, p := range cfg.Billing.Products {
		products = append(products, billing.Product{
			ID:          p.ID,
			Title:       p.Title,
			Description: p.Description,
			Price:       p.Price,
			Currency:    p.Currency,
			Period:      p.Period,
		})
	}
	payments := billing.NewMemoryQueue(products, store)

	var validator billing.Validator = billing.LocalValidator{}
	if cfg.Billing.ValidationURL != "" {
		validator = billing.NewReceiptValidator(cfg.Billing.ValidationURL, cfg.Billing.SharedSecret, 0)
	}

	reconciler := billing.NewReconciler(payments, payments, validator, quota, cfg.Billing.ProductIDs, logger)
	if _, err := reconciler.LoadProducts(ctx); err != nil {
		logger.Fatal("Failed to load products", zap.Error(err))
	}
	go func() {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Billing reconciler stopped", zap.Error(err))
		}
	}()

	application := app.New(store, quota, threadAdapter, reconciler, completer, conversation.Config{
		Model:        cfg.OpenAI.Model,
		SystemPrompt: cfg.OpenAI.SystemPrompt,
		HistoryTurns: cfg.OpenAI.HistoryTurns,
		Timeout:      cfg.OpenAI.Timeout,
	}, logger)
	if cfg.OpenAI.Speech {
		application.SetSpeaker(completer)
	}

	scheduler, err := billing.NewScheduler(reconciler, application.SignedIn, cfg.Billing.RevalidateSchedule, logger)
	if err != nil {
		logger.Fatal("Invalid revalidation schedule", zap.Error(err), zap.String("schedule", cfg.Billing.RevalidateSchedule))
	}
	scheduler.Start(ctx)

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("Ops server error", zap.Error(err))
			}
		}()
	}

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, application, reconciler, payments, cfg.Telegram.PaymentProviderToken, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}

	for _, userID := range application.SignedIn() {
		application.SignOut(userID)
	}
	logger.Info("Bot stopped")
}
