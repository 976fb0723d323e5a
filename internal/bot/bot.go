// Package bot is the telegram command surface: it parses the watch
// commands, maps service errors to user-facing replies, and exposes the
// underlying bot as the notification sink.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v4"

	"healthwatch/internal/chain"
	"healthwatch/internal/config"
	"healthwatch/internal/engine"
	"healthwatch/internal/service"
	"healthwatch/internal/storage"
)

const commandTimeout = 30 * time.Second

func helpText(label string) string {
	return fmt.Sprintf(`I watch lending-pool accounts and alert you when their %s drops.

/watch <address> <level> [level...] — alert when %s reaches a level
/unwatch [address] [level...] — stop watching levels, an account, or everything
/list — show your subscriptions`, label, label)
}

// Bot wraps the telegram bot and its command handlers.
type Bot struct {
	tb     *tele.Bot
	svc    *service.Service
	unit   string
	label  string
	logger zerolog.Logger
}

// New builds the bot and registers handlers. opts supplies the metric
// label and unit used in replies.
func New(cfg config.TelegramConfig, svc *service.Service, opts engine.Options, logger zerolog.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram.bot_token is required")
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}

	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b := &Bot{
		tb:     tb,
		svc:    svc,
		unit:   opts.Unit,
		label:  opts.MetricLabel(),
		logger: logger.With().Str("component", "bot").Logger(),
	}

	tb.Handle("/start", b.handleHelp)
	tb.Handle("/help", b.handleHelp)
	tb.Handle("/watch", b.handleWatch)
	tb.Handle("/unwatch", b.handleUnwatch)
	tb.Handle("/list", b.handleList)

	return b, nil
}

// Sender exposes the underlying bot for the notification sink.
func (b *Bot) Sender() Sender {
	return b.tb
}

// Start begins long polling and stops the poller when ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.tb.Stop()
	}()
	go b.tb.Start()
	b.logger.Info().Msg("telegram bot polling started")
}

func (b *Bot) handleHelp(c tele.Context) error {
	return c.Send(helpText(b.label))
}

func (b *Bot) handleWatch(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return c.Send("Usage: /watch <address> <level> [level...]")
	}

	levels, err := parseLevels(args[1:])
	if err != nil {
		return c.Send(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	metric, err := b.svc.Subscribe(ctx, c.Chat().ID, args[0], levels)
	if err != nil {
		return b.replyError(c, err)
	}
	return c.Send(fmt.Sprintf("Watching %s. Current %s: %s%s.",
		engine.ShortAddress(args[0]), b.label, metric.StringFixed(2), b.unit))
}

func (b *Bot) handleUnwatch(c tele.Context) error {
	args := c.Args()

	var (
		address string
		levels  []decimal.Decimal
		err     error
	)
	if len(args) > 0 {
		address = args[0]
		levels, err = parseLevels(args[1:])
		if err != nil {
			return c.Send(err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	remaining, err := b.svc.Unsubscribe(ctx, c.Chat().ID, address, levels)
	if err != nil {
		return b.replyError(c, err)
	}
	if remaining {
		return c.Send("Done. You still have other alerts configured; /list shows them.")
	}
	return c.Send("Done. You have no alerts configured.")
}

func (b *Bot) handleList(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	records, err := b.svc.ListSubscriptions(ctx, c.Chat().ID)
	if err != nil {
		return b.replyError(c, err)
	}
	return c.Send(formatSubscriptions(records, b.label, b.unit))
}

// replyError maps known failures onto user-facing text; anything
// unexpected gets a generic reply and a logged error, never internals.
func (b *Bot) replyError(c tele.Context, err error) error {
	if reply, ok := userFacing(err); ok {
		return c.Send(reply)
	}
	b.logger.Error().Err(err).Int64("chat", c.Chat().ID).Msg("command failed")
	return c.Send("Something went wrong on our side. The team has been notified.")
}

func userFacing(err error) (string, bool) {
	switch {
	case errors.Is(err, chain.ErrInvalidAddress):
		return "That doesn't look like a valid account address.", true
	case errors.Is(err, chain.ErrAccountNotFound):
		return "That account has no open position on the pool.", true
	case errors.Is(err, service.ErrExistingThreshold):
		return "You already have an alert at that level for this account.", true
	case errors.Is(err, service.ErrNoThresholds):
		return "You have no alerts matching that request.", true
	case errors.Is(err, service.ErrThresholdNotFound):
		return "No alert exists at that level; /list shows what you have.", true
	case errors.Is(err, service.ErrNoLevels):
		return "Give me at least one alert level.", true
	}
	return "", false
}

func parseLevels(args []string) ([]decimal.Decimal, error) {
	levels := make([]decimal.Decimal, 0, len(args))
	for _, arg := range args {
		level, err := decimal.NewFromString(arg)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", arg)
		}
		if level.IsNegative() {
			return nil, fmt.Errorf("levels cannot be negative")
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func formatSubscriptions(records []storage.AccountRecord, label, unit string) string {
	if len(records) == 0 {
		return "You have no alerts configured. Use /watch to add one."
	}

	var sb strings.Builder
	sb.WriteString("Your alerts:\n")
	for _, rec := range records {
		sb.WriteString(fmt.Sprintf("\n%s — %s %s%s\n", engine.ShortAddress(rec.Address), label, rec.LastMetric.StringFixed(2), unit))
		for _, sub := range rec.Subscribers {
			for _, thr := range sub.Thresholds {
				state := "armed"
				if !thr.Armed {
					state = "fired, re-arms on recovery"
				}
				sb.WriteString(fmt.Sprintf("  • level %s%s (%s)\n", thr.Level.String(), unit, state))
			}
		}
	}
	return sb.String()
}
