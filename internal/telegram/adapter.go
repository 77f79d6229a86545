// Package telegram adapts the Telegram Bot API for the rest of the app:
// paced outbound sends, inbound webhook update decoding, and webhook
// registration.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "relaybot/pkg/logx"
)

type Config struct {
	Token string
	// SendRatePerSec paces outbound sendMessage calls (token bucket).
	SendRatePerSec int
	// Offline skips the getMe probe at construction (tests).
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	http    *http.Client

	// api is swappable in tests.
	api string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 25
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		http:    &http.Client{Timeout: 8 * time.Second},
		api:     "https://api.telegram.org",
	}, nil
}

// SendHTML delivers an HTML-formatted message to chatID, honoring the
// outbound rate limiter and ctx cancellation.
func (a *Adapter) SendHTML(ctx context.Context, chatID int64, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return err
}

// DecodeUpdate parses a raw webhook body into a Telegram update.
func DecodeUpdate(body []byte) (tele.Update, error) {
	var u tele.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return tele.Update{}, err
	}
	return u, nil
}

// IsBlocked reports whether err means the recipient cannot be reached
// because they blocked the bot (or deactivated their account). Callers
// treat this as a non-error outcome.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return true
	}
	// Fallback for raw API descriptions that don't map to a sentinel.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bot was blocked") ||
		strings.Contains(msg, "user is deactivated")
}
