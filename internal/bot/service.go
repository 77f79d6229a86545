// Package bot owns the relay's notification semantics: templated welcome
// and referral messages, direct sends, and handling of inbound /start
// updates. All sends go through the dedup cache; outcomes are published
// on the event bus for the send journal.
package bot

import (
	"context"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/dedup"
	"relaybot/internal/eventbus"
	"relaybot/internal/telegram"
	logx "relaybot/pkg/logx"
)

// Notification kinds (journal + event bus).
const (
	KindWelcome  = "welcome"
	KindReferral = "referral"
	KindDirect   = "direct"
)

// Sender is the outbound messaging surface the service needs.
type Sender interface {
	SendHTML(ctx context.Context, chatID int64, text string) error
}

type UserInfo struct {
	ID        int64
	Username  string
	FirstName string
}

// Result is the observable outcome of a notification attempt. A blocked
// recipient or a suppressed duplicate is not an error.
type Result struct {
	Sent        bool
	AlreadySent bool
	BotBlocked  bool
}

type Service struct {
	sender Sender
	cache  *dedup.Cache
	bus    eventbus.Bus
	log    logx.Logger
}

func New(sender Sender, cache *dedup.Cache, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sender: sender, cache: cache, bus: bus, log: log}
}

// SendWelcome delivers the templated welcome message to u, suppressing
// duplicates within the dedup window. referrerID != 0 selects the
// referral variant of the template.
func (s *Service) SendWelcome(ctx context.Context, u UserInfo, referrerID int64) (Result, error) {
	key := dedup.WelcomeKey(u.ID)
	if !s.cache.Acquire(ctx, key) {
		s.publish(KindWelcome, key, u.ID, eventbus.OutcomeDeduped, nil)
		return Result{AlreadySent: true}, nil
	}
	return s.deliver(ctx, KindWelcome, key, u.ID, welcomeText(u.FirstName, referrerID != 0))
}

// SendReferral notifies referrerID that newUser joined via their link.
func (s *Service) SendReferral(ctx context.Context, referrerID int64, newUser UserInfo) (Result, error) {
	key := dedup.ReferralKey(referrerID, newUser.ID)
	if !s.cache.Acquire(ctx, key) {
		s.publish(KindReferral, key, referrerID, eventbus.OutcomeDeduped, nil)
		return Result{AlreadySent: true}, nil
	}
	return s.deliver(ctx, KindReferral, key, referrerID, referralText(newUser))
}

// SendDirect delivers an arbitrary HTML message with no dedup.
func (s *Service) SendDirect(ctx context.Context, chatID int64, text string) (Result, error) {
	err := s.sender.SendHTML(ctx, chatID, text)
	switch {
	case err == nil:
		s.publish(KindDirect, "", chatID, eventbus.OutcomeSent, nil)
		return Result{Sent: true}, nil
	case telegram.IsBlocked(err):
		s.log.Info("recipient has blocked the bot", logx.Int64("chat_id", chatID))
		s.publish(KindDirect, "", chatID, eventbus.OutcomeBlocked, err)
		return Result{BotBlocked: true}, nil
	default:
		s.publish(KindDirect, "", chatID, eventbus.OutcomeFailed, err)
		return Result{}, err
	}
}

func (s *Service) deliver(ctx context.Context, kind, key string, chatID int64, text string) (Result, error) {
	err := s.sender.SendHTML(ctx, chatID, text)
	switch {
	case err == nil:
		s.publish(kind, key, chatID, eventbus.OutcomeSent, nil)
		return Result{Sent: true}, nil
	case telegram.IsBlocked(err):
		// A blocked recipient is not an operational failure, but the key
		// must not stay marked: if they unblock, the next trigger sends.
		s.cache.Release(ctx, key)
		s.log.Info("recipient has blocked the bot",
			logx.String("kind", kind), logx.Int64("chat_id", chatID))
		s.publish(kind, key, chatID, eventbus.OutcomeBlocked, err)
		return Result{BotBlocked: true}, nil
	default:
		s.cache.Release(ctx, key)
		s.publish(kind, key, chatID, eventbus.OutcomeFailed, err)
		return Result{}, err
	}
}

func (s *Service) publish(kind, key string, chatID int64, outcome string, err error) {
	if s.bus == nil {
		return
	}
	e := eventbus.SendEvent{Kind: kind, Key: key, ChatID: chatID, Outcome: outcome}
	if err != nil {
		e.Err = err.Error()
	}
	s.bus.Publish(e)
}

// HandleUpdate processes one inbound Telegram update. Only /start
// messages are relevant; everything else is ignored.
func (s *Service) HandleUpdate(ctx context.Context, u tele.Update) error {
	m := u.Message
	if m == nil || m.Sender == nil {
		return nil
	}
	text := strings.TrimSpace(m.Text)
	if text != "/start" && !strings.HasPrefix(text, "/start ") {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(text, "/start"))

	user := UserInfo{
		ID:        m.Sender.ID,
		Username:  m.Sender.Username,
		FirstName: m.Sender.FirstName,
	}
	referrerID := parseReferrerPayload(payload)
	if referrerID == user.ID {
		// Self-referral carries no bonus.
		referrerID = 0
	}

	if _, err := s.SendWelcome(ctx, user, referrerID); err != nil {
		s.log.Warn("welcome send failed", logx.Int64("user_id", user.ID), logx.Err(err))
	}

	if referrerID != 0 {
		if _, err := s.SendReferral(ctx, referrerID, user); err != nil {
			s.log.Warn("referral notification failed",
				logx.Int64("referrer_id", referrerID),
				logx.Int64("user_id", user.ID),
				logx.Err(err))
		}
	}
	return ctx.Err()
}

// parseReferrerPayload accepts "ref_<id>" (the deep-link format the
// front-end generates) or a bare numeric id. Returns 0 when absent or
// malformed.
func parseReferrerPayload(payload string) int64 {
	if payload == "" {
		return 0
	}
	payload = strings.TrimPrefix(payload, "ref_")
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
