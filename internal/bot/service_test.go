package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/dedup"
	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

type fakeSender struct {
	calls []int64
	texts []string
	err   error
}

func (f *fakeSender) SendHTML(ctx context.Context, chatID int64, text string) error {
	f.calls = append(f.calls, chatID)
	f.texts = append(f.texts, text)
	return f.err
}

func newTestService(sender *fakeSender) (*Service, *dedup.Cache) {
	cache := dedup.New(logx.Nop(), time.Hour, 24*time.Hour)
	return New(sender, cache, eventbus.New(), logx.Nop()), cache
}

func TestSendWelcomeDedup(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc, _ := newTestService(sender)
	ctx := context.Background()

	res, err := svc.SendWelcome(ctx, UserInfo{ID: 1, FirstName: "Ada"}, 0)
	if err != nil || !res.Sent {
		t.Fatalf("first send: res=%+v err=%v", res, err)
	}
	res, err = svc.SendWelcome(ctx, UserInfo{ID: 1, FirstName: "Ada"}, 0)
	if err != nil || !res.AlreadySent {
		t.Fatalf("second send: res=%+v err=%v", res, err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("sender called %d times, want 1", len(sender.calls))
	}
}

func TestSendWelcomeReferrerVariant(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc, _ := newTestService(sender)

	if _, err := svc.SendWelcome(context.Background(), UserInfo{ID: 2, FirstName: "Ada"}, 7); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sender.texts[0], "invite") {
		t.Fatalf("referral variant missing from text: %q", sender.texts[0])
	}
}

func TestSendFailureReleasesKey(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{err: errors.New("network down")}
	svc, _ := newTestService(sender)
	ctx := context.Background()

	if _, err := svc.SendWelcome(ctx, UserInfo{ID: 3}, 0); err == nil {
		t.Fatal("expected send error")
	}

	// The failed attempt must not consume the dedup window.
	sender.err = nil
	res, err := svc.SendWelcome(ctx, UserInfo{ID: 3}, 0)
	if err != nil || !res.Sent {
		t.Fatalf("retry after failure: res=%+v err=%v", res, err)
	}
}

func TestBlockedRecipientIsNotAnError(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{err: tele.ErrBlockedByUser}
	svc, _ := newTestService(sender)

	res, err := svc.SendReferral(context.Background(), 7, UserInfo{ID: 8, Username: "newbie"})
	if err != nil {
		t.Fatalf("blocked recipient surfaced as error: %v", err)
	}
	if !res.BotBlocked {
		t.Fatalf("res = %+v, want BotBlocked", res)
	}

	// Key released: an unblock followed by a retry sends.
	sender.err = nil
	res, err = svc.SendReferral(context.Background(), 7, UserInfo{ID: 8, Username: "newbie"})
	if err != nil || !res.Sent {
		t.Fatalf("retry after unblock: res=%+v err=%v", res, err)
	}
}

func TestHandleUpdateStartWithReferrer(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc, _ := newTestService(sender)

	u := tele.Update{Message: &tele.Message{
		Text:   "/start ref_77",
		Sender: &tele.User{ID: 5, FirstName: "Eve"},
	}}
	if err := svc.HandleUpdate(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if len(sender.calls) != 2 {
		t.Fatalf("sends = %d, want welcome + referral", len(sender.calls))
	}
	if sender.calls[0] != 5 || sender.calls[1] != 77 {
		t.Fatalf("recipients = %v", sender.calls)
	}
}

func TestHandleUpdateIgnoresNonStart(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc, _ := newTestService(sender)

	for _, text := range []string{"hello", "/help", "/started", ""} {
		u := tele.Update{Message: &tele.Message{
			Text:   text,
			Sender: &tele.User{ID: 9},
		}}
		if err := svc.HandleUpdate(context.Background(), u); err != nil {
			t.Fatalf("%q: %v", text, err)
		}
	}
	if err := svc.HandleUpdate(context.Background(), tele.Update{}); err != nil {
		t.Fatal("empty update should be a no-op")
	}
	if len(sender.calls) != 0 {
		t.Fatalf("unexpected sends: %v", sender.calls)
	}
}

func TestParseReferrerPayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		payload string
		want    int64
	}{
		{"", 0},
		{"ref_42", 42},
		{"42", 42},
		{"ref_", 0},
		{"ref_abc", 0},
		{"-5", 0},
		{"0", 0},
	}
	for _, tt := range tests {
		if got := parseReferrerPayload(tt.payload); got != tt.want {
			t.Fatalf("parseReferrerPayload(%q) = %d, want %d", tt.payload, got, tt.want)
		}
	}
}

func TestSelfReferralIgnored(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc, _ := newTestService(sender)

	u := tele.Update{Message: &tele.Message{
		Text:   "/start ref_5",
		Sender: &tele.User{ID: 5, FirstName: "Eve"},
	}}
	if err := svc.HandleUpdate(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("sends = %d, want welcome only", len(sender.calls))
	}
}
