// Package app wires the bridge together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/api"
	"github.com/entrepeneur4lyf/threadbridge/internal/bridge"
	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/clock"
	"github.com/entrepeneur4lyf/threadbridge/internal/config"
	"github.com/entrepeneur4lyf/threadbridge/internal/contextwindow"
	"github.com/entrepeneur4lyf/threadbridge/internal/events"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm/providers"
	"github.com/entrepeneur4lyf/threadbridge/internal/logging"
	"github.com/entrepeneur4lyf/threadbridge/internal/render"
	"github.com/entrepeneur4lyf/threadbridge/internal/storage"
	"github.com/openai/openai-go"
)

// brokerBuffer is the per-subscriber backlog between the gateway and the
// dispatcher
const brokerBuffer = 256

// shutdownTimeout bounds the probe server's graceful stop
const shutdownTimeout = 5 * time.Second

// App represents the running bridge with all integrated systems
type App struct {
	Config    *config.Config
	Logger    *log.Logger
	Relations storage.RelationStore
	Broker    *events.Broker[chat.Event]
	Discord   *chat.Discord
	Engine    *bridge.Engine
	Health    *api.Server

	dispatcher *events.Dispatcher[chat.Event]
	cancel     context.CancelFunc
}

// OpenStore opens the relation store selected by cfg
func OpenStore(ctx context.Context, cfg *config.Config) (storage.RelationStore, error) {
	store, err := storage.Open(ctx, storage.Options{
		Driver:   cfg.Store.Driver,
		DSN:      cfg.Store.DSN,
		Table:    cfg.Store.Table,
		Region:   cfg.Store.Region,
		Endpoint: cfg.Store.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open relation store: %w", err)
	}
	return store, nil
}

// New creates the application. Nothing connects until Run.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("initializing threadbridge", "config", cfg.File(), "store", cfg.Store.Driver, "run_mode", cfg.OpenAI.RunMode)

	relations, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Relations: relations,
		Broker:    events.NewBrokerWithOptions[chat.Event](brokerBuffer, logger),
	}

	discord, err := chat.NewDiscord(chat.DiscordOptions{
		Token:  cfg.Discord.Token,
		Status: cfg.Discord.Status,
		Logger: logger,
	}, app.Broker)
	if err != nil {
		_ = relations.Close()
		return nil, err
	}
	app.Discord = discord

	openaiOpts := providers.OpenAIOptions{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		AssistantID:  cfg.OpenAI.AssistantID,
		Model:        cfg.OpenAI.Model,
		RunMode:      cfg.OpenAI.RunMode,
		PollInterval: cfg.OpenAI.PollInterval,
		MaxRetries:   cfg.OpenAI.MaxRetries,
	}
	client := providers.NewOpenAIClient(openaiOpts)
	provider, err := providers.NewOpenAIAssistantProvider(client, openaiOpts, logger)
	if err != nil {
		_ = relations.Close()
		return nil, err
	}

	renderer := render.NewRenderer(discord, provider, clock.Real(), cfg.Render, logger)

	engine, err := bridge.NewEngine(bridge.Deps{
		Platform:  discord,
		Relations: relations,
		Provider:  provider,
		Uploader:  providers.NewOpenAIUploader(client, nil, cfg.Attachments.MaxImageDimension),
		Completer: newCompleter(cfg, client),
		Counter:   contextwindow.NewTokenCounter(newEncoder(cfg.OpenAI.Model, logger)),
		Renderer:  renderer,
		Logger:    logger,
	}, bridge.Options{
		Retry:            cfg.Retry,
		SystemPrompt:     cfg.OneShot.SystemPrompt,
		TokenBudget:      cfg.OneShot.TokenBudget,
		HistoryLimit:     cfg.OneShot.HistoryLimit,
		MaxMessageLength: cfg.Render.MaxMessageLength,
	})
	if err != nil {
		_ = relations.Close()
		return nil, err
	}
	app.Engine = engine

	app.Health = api.NewServer(api.Options{
		Addr:   cfg.Health.Addr,
		Ready:  discord.Ready,
		Stats:  app.stats,
		Logger: logger,
	})

	return app, nil
}

// newCompleter picks the one-shot backend; nil disables one-shot answers
func newCompleter(cfg *config.Config, client *openai.Client) llm.Completer {
	switch cfg.OneShot.Provider {
	case config.OneShotAnthropic:
		return providers.NewAnthropicCompleter(providers.AnthropicOptions{
			APIKey:    cfg.Anthropic.APIKey,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
		})
	case config.OneShotNone:
		return nil
	default:
		return providers.NewOpenAICompleter(client, cfg.OpenAI.Model)
	}
}

// newEncoder prefers exact BPE counts and falls back to the estimate when
// the tables cannot be loaded
func newEncoder(model string, logger *log.Logger) contextwindow.TextEncoder {
	enc, err := contextwindow.NewTiktokenEncoder(model)
	if err != nil {
		logger.Warn("falling back to estimated token counts", "model", model, "err", err)
		return contextwindow.HeuristicEncoder{}
	}
	return enc
}

// Run connects to Discord and serves events until ctx is done, then shuts
// everything down
func (app *App) Run(ctx context.Context) error {
	ctx, app.cancel = context.WithCancel(ctx)
	defer app.cancel()

	app.dispatcher = events.NewDispatcher[chat.Event](ctx, app.Engine.Handle, events.DispatcherOptions{
		QueueSize:   app.Config.Events.QueueSize,
		IdleTimeout: app.Config.Events.IdleTimeout,
		Logger:      app.Logger,
	})

	sub := app.Broker.Subscribe(ctx)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		app.dispatcher.Forward(ctx, sub)
	}()

	healthErr := make(chan error, 1)
	go func() {
		healthErr <- app.Health.Start()
	}()

	app.Config.Watch(func(updated *config.Config, err error) {
		if err != nil {
			app.Logger.Warn("ignoring unreadable config change", "err", err)
			return
		}
		if err := logging.SetLevel(app.Logger, updated.Log.Level); err != nil {
			app.Logger.Warn("ignoring config change", "err", err)
			return
		}
		app.Logger.Info("log level updated", "level", updated.Log.Level)
	})

	var runErr error
	if err := app.Discord.Open(); err != nil {
		runErr = err
	} else {
		app.Logger.Info("threadbridge running", "health", app.Config.Health.Addr)
		select {
		case <-ctx.Done():
		case err := <-healthErr:
			if err != nil {
				runErr = fmt.Errorf("probe server failed: %w", err)
			}
		}
	}

	app.cancel()
	<-forwarded
	return errors.Join(runErr, app.Close())
}

// Close closes all app resources in dependency order
func (app *App) Close() error {
	app.Logger.Info("shutting down")
	var errs []error

	if app.Discord != nil {
		if err := app.Discord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close discord session: %w", err))
		}
	}
	if app.dispatcher != nil {
		app.dispatcher.Close()
	}
	if app.Engine != nil {
		app.Engine.Wait()
	}
	if app.Broker != nil {
		app.Broker.Shutdown()
	}
	if app.Health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := app.Health.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop probe server: %w", err))
		}
		cancel()
	}
	if app.Relations != nil {
		if err := app.Relations.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close relation store: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %w", errors.Join(errs...))
	}
	app.Logger.Info("threadbridge stopped")
	return nil
}

func (app *App) stats() map[string]any {
	broker := app.Broker.GetStats()
	active := 0
	if app.dispatcher != nil {
		active = app.dispatcher.Active()
	}
	return map[string]any{
		"subscribers":    broker.SubscriberCount,
		"dropped_events": broker.Dropped,
		"active_threads": active,
		"gateway_ready":  app.Discord.Ready(),
	}
}
