package bot

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"healthwatch/internal/retry"
)

// Sender is the outbound slice of the telegram bot, extracted so the
// notifier can be tested without a live bot.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier delivers monitoring notices to chat ids. Sends are rate
// limited (Telegram flood control) and retried with the shared backoff
// policy; an error is only returned once the attempt budget is spent.
type Notifier struct {
	sender  Sender
	limiter *rate.Limiter
	policy  retry.Policy
	logger  zerolog.Logger
}

// NewNotifier constructs a Notifier around a telegram sender.
func NewNotifier(sender Sender, perSecond float64, burst int, policy retry.Policy, logger zerolog.Logger) *Notifier {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = 1
	}
	return &Notifier{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		policy:  policy,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

// Send delivers one text message to a chat id.
func (n *Notifier) Send(ctx context.Context, recipientID int64, text string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	err := retry.Do(ctx, n.logger, "send_message", n.policy, func(context.Context) error {
		_, sendErr := n.sender.Send(tele.ChatID(recipientID), text)
		return sendErr
	})
	if err != nil {
		return err
	}

	n.logger.Debug().Int64("recipient", recipientID).Msg("notification sent")
	return nil
}
