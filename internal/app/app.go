package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"healthwatch/internal/bot"
	"healthwatch/internal/chain"
	"healthwatch/internal/config"
	"healthwatch/internal/directory"
	"healthwatch/internal/engine"
	"healthwatch/internal/monitor"
	"healthwatch/internal/retry"
	"healthwatch/internal/scheduler"
	"healthwatch/internal/service"
	"healthwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.Config.Retry.MaxAttempts,
		BaseDelay:   a.Config.Retry.BaseDelay,
		MaxDelay:    a.Config.Retry.MaxDelay,
	}
}

func (a *App) engineOptions() engine.Options {
	opts := engine.Options{
		RearmMargin: decimal.NewFromFloat(a.Config.Monitor.RearmMargin),
		Label:       "available credit",
	}
	if a.Config.Monitor.Metric == config.MetricHealth {
		opts.MetricMax = decimal.NewFromInt(100)
		opts.Unit = "%"
		opts.Label = "health"
	}
	return opts
}

func (a *App) newChainClient() (*chain.Client, error) {
	return chain.NewClient(chain.Options{
		RPCURL:          a.Config.Ethereum.RPCURL,
		WSURL:           a.Config.Ethereum.WSURL,
		PoolAddress:     a.Config.Ethereum.PoolAddress,
		Metric:          a.Config.Monitor.Metric,
		RequestTimeout:  a.Config.Ethereum.RequestTimeout,
		DialBaseDelay:   a.Config.Ethereum.DialBaseDelay,
		DialMaxAttempts: a.Config.Ethereum.DialMaxAttempts,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	dir := directory.New(store, store, a.retryPolicy(), a.Logger)
	if err := dir.LoadAll(ctx); err != nil {
		return err
	}

	chainClient, err := a.newChainClient()
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Monitor.Interval,
		StartupDelay: a.Config.Monitor.StartupDelay,
	}, a.Logger)

	engineOpts := a.engineOptions()

	var events service.LiquidationSource
	if a.Config.Ethereum.WSURL != "" {
		events = chainClient
	}
	svc := service.New(dir, chainClient, events, nil, a.Logger)

	tgBot, err := bot.New(a.Config.Telegram, svc, engineOpts, a.Logger)
	if err != nil {
		return err
	}
	notifier := bot.NewNotifier(tgBot.Sender(), a.Config.Notify.RatePerSecond, a.Config.Notify.Burst, a.retryPolicy(), a.Logger)

	mon := monitor.New(dir, chainClient, notifier, sched, monitor.Options{
		Engine:            engineOpts,
		HeartbeatSchedule: a.Config.Monitor.HeartbeatSchedule,
	}, a.Logger)
	svc.AttachMonitor(mon)

	tgBot.Start(ctx)

	if sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		a.Logger.Warn().Err(notifyErr).Msg("sd_notify failed")
	} else if sent {
		a.Logger.Debug().Msg("systemd readiness notified")
	}

	a.Logger.Info().
		Str("metric", a.Config.Monitor.Metric).
		Dur("interval", a.Config.Monitor.Interval).
		Msg("starting monitoring service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting metric history.
type ExportOptions struct {
	Account   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Account string
	Limit   int
}
