// Package alert delivers operator-visible escalations over Telegram. The
// channel is optional; with no token configured every method is a no-op.
package alert

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/pointqueue/pkg/logger"
)

// Notifier sends operator alerts to a Telegram chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New creates a notifier. An empty token disables alerting; a failure to
// reach Telegram downgrades to log-only rather than failing startup.
func New(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		return &Notifier{}
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Warn().Err(err).Msg("Telegram alerts disabled: failed to initialize bot")
		return &Notifier{}
	}

	logger.Info().Str("bot", api.Self.UserName).Msg("Telegram operator alerts enabled")
	return &Notifier{api: api, chatID: chatID}
}

// AuthRequired reports that the credential degraded to needs-login.
func (n *Notifier) AuthRequired() {
	n.send("Twitch authentication expired. Re-authenticate via /auth/start to resume the redemption feed.")
}

// ReconnectExhausted reports that the EventSub reconnect backoff ceiling
// was reached. Retries continue at the capped interval.
func (n *Notifier) ReconnectExhausted(err error) {
	n.send(fmt.Sprintf("EventSub reconnect attempts exhausted (still retrying): %v", err))
}

// SubscriptionError reports a failed subscription creation; it will be
// retried on the next session.
func (n *Notifier) SubscriptionError(err error) {
	n.send(fmt.Sprintf("EventSub subscription failed (will retry): %v", err))
}

func (n *Notifier) send(text string) {
	if n == nil || n.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to send Telegram alert")
	}
}
