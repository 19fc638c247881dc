// Package telegram forwards high-severity alerts to a Telegram chat.
// Disabled unless a bot token and chat id are configured.
package telegram

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

// Config controls the Telegram relay.
type Config struct {
	Token       string
	ChatID      int64
	MinSeverity alert.Severity
	RatePerMin  int
	RetryMax    int
}

// Sender is the slice of the bot API the sink uses.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Sink struct {
	cfg     Config
	log     logx.Logger
	bot     Sender
	limiter *rate.Limiter
}

// New builds the sink with a real bot client. The bot is used send-only,
// so no poller is started.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewWithSender(cfg, bot, log), nil
}

// NewWithSender injects a sender (tests).
func NewWithSender(cfg Config, bot Sender, log logx.Logger) *Sink {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	var lim *rate.Limiter
	if cfg.RatePerMin > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin)
	}
	return &Sink{cfg: cfg, log: log, bot: bot, limiter: lim}
}

func (s *Sink) Name() string { return "telegram" }

// Format renders the chat message for an alert.
func Format(e alert.Event) string {
	return fmt.Sprintf("[%s] %s: %s", e.Severity.String(), e.Category.Label(), e.Message)
}

// Handle relays the alert. Failures after retries drop the alert with a
// log line; Telegram being down never backs up the pipeline.
func (s *Sink) Handle(ctx context.Context, e alert.Event) error {
	if e.Severity < s.cfg.MinSeverity {
		return nil
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Debug("telegram rate limit hit, dropping",
			logx.String("alert_id", e.ID))
		return nil
	}

	to := tele.ChatID(s.cfg.ChatID)
	msg := Format(e)

	var last error
	for attempt := 1; attempt <= s.cfg.RetryMax; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := s.bot.Send(to, msg); err != nil {
			last = err
			continue
		}
		return nil
	}
	s.log.Warn("telegram send failed, dropping alert",
		logx.String("alert_id", e.ID), logx.Err(last))
	return nil
}
