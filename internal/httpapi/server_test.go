package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/bot"
	"relaybot/internal/dedup"
	"relaybot/internal/eventbus"
	"relaybot/internal/health"
	logx "relaybot/pkg/logx"
)

type fakeSender struct {
	calls []int64
	err   error
	block bool // wait for ctx cancellation instead of sending
}

func (f *fakeSender) SendHTML(ctx context.Context, chatID int64, text string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.calls = append(f.calls, chatID)
	return f.err
}

type fixture struct {
	srv    *Server
	sender *fakeSender
	cache  *dedup.Cache
	health *health.Tracker
	mux    http.Handler
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()
	cfg := Config{
		Listen:         "127.0.0.1:0",
		WebhookSecret:  "sekrit",
		AdminToken:     "",
		ProcessTimeout: time.Second,
		RateWindow:     15 * time.Minute,
		RateMax:        100,
	}
	if mut != nil {
		mut(&cfg)
	}
	sender := &fakeSender{}
	cache := dedup.New(logx.Nop(), time.Hour, 24*time.Hour)
	tracker := health.NewTracker()
	svc := bot.New(sender, cache, eventbus.New(), logx.Nop())
	srv := New(cfg, logx.Nop(), cache, tracker, svc, nil)
	return &fixture{srv: srv, sender: sender, cache: cache, health: tracker, mux: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("bad JSON response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestSendWelcomeDuplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	body := `{"userId":123,"firstName":"Ada"}`

	rec := f.do(t, http.MethodPost, "/api/sendWelcomeMessage", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first: status %d body %s", rec.Code, rec.Body)
	}
	got := decodeJSON(t, rec)
	if got["success"] != true || got["alreadySent"] != nil {
		t.Fatalf("first response: %v", got)
	}

	rec = f.do(t, http.MethodPost, "/api/sendWelcomeMessage", body, nil)
	got = decodeJSON(t, rec)
	if rec.Code != http.StatusOK || got["alreadySent"] != true {
		t.Fatalf("duplicate response: status %d %v", rec.Code, got)
	}
	if len(f.sender.calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.sender.calls))
	}
}

func TestSendWelcomeAcceptsStringID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/sendWelcomeMessage", `{"userId":"456"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if len(f.sender.calls) != 1 || f.sender.calls[0] != 456 {
		t.Fatalf("calls = %v", f.sender.calls)
	}
}

func TestSendWelcomeMissingUserID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/sendWelcomeMessage", `{"firstName":"Ada"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(f.sender.calls) != 0 {
		t.Fatal("validation failure must not send")
	}
}

func TestSendWelcomeBlockedRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.sender.err = tele.ErrBlockedByUser

	rec := f.do(t, http.MethodPost, "/api/sendWelcomeMessage", `{"userId":9}`, nil)
	got := decodeJSON(t, rec)
	if rec.Code != http.StatusOK || got["success"] != true || got["botBlocked"] != true {
		t.Fatalf("status %d body %v", rec.Code, got)
	}
}

func TestSendReferralValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing referrer", `{"newUser":{"id":2}}`},
		{"missing new user", `{"referrerId":1}`},
		{"malformed", `{`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/sendReferralNotification", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
	if len(f.sender.calls) != 0 {
		t.Fatal("validation failures must not send or mark the cache")
	}
}

func TestSendReferralSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	body := `{"referrerId":7,"newUser":{"id":8,"username":"newbie"}}`
	rec := f.do(t, http.MethodPost, "/api/sendReferralNotification", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if len(f.sender.calls) != 1 || f.sender.calls[0] != 7 {
		t.Fatalf("calls = %v, want referrer chat", f.sender.calls)
	}
}

func TestSendBotMessageValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for _, body := range []string{`{"message":"hi"}`, `{"telegramId":1}`, `{"telegramId":1,"message":"  "}`} {
		rec := f.do(t, http.MethodPost, "/api/sendBotMessage", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/api/sendBotMessage", `{"telegramId":11,"message":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
}

func TestWebhookTokenMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/webhook/wrong", `{"update_id":1}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookProcessesStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	body := `{"update_id":1,"message":{"message_id":1,"text":"/start ref_77","from":{"id":5,"first_name":"Eve"}}}`
	rec := f.do(t, http.MethodPost, "/webhook/sekrit", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if len(f.sender.calls) != 2 {
		t.Fatalf("sends = %d, want welcome + referral", len(f.sender.calls))
	}
}

func TestWebhookMalformedBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/webhook/sekrit", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.ProcessTimeout = 30 * time.Millisecond })
	f.sender.block = true

	body := `{"update_id":2,"message":{"message_id":2,"text":"/start","from":{"id":6}}}`
	rec := f.do(t, http.MethodPost, "/webhook/sekrit", body, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestRateLimitAndHealthCoupling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.RateMax = 2 })

	body := `{"userId":1}`
	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/api/sendWelcomeMessage", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodPost, "/api/sendWelcomeMessage", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	// Exceeding the limiter degrades /health for the rest of the window.
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health = %d, want 503 while rate limited", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	got := decodeJSON(t, rec)
	if rec.Code != http.StatusOK || got["status"] != "healthy" {
		t.Fatalf("status %d body %v", rec.Code, got)
	}

	f.health.SetRegistration(false, "setWebhook failed")
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	got = decodeJSON(t, rec)
	if rec.Code != http.StatusServiceUnavailable || got["status"] != "unhealthy" {
		t.Fatalf("status %d body %v", rec.Code, got)
	}
	checks, ok := got["checks"].(map[string]any)
	if !ok {
		t.Fatalf("missing checks: %v", got)
	}
	if _, ok := checks["registration"]; !ok {
		t.Fatalf("missing registration check: %v", checks)
	}
}

func TestWebhookLivenessAlwaysOK(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	// The GET liveness endpoint must stay 200 even when /health is 503,
	// otherwise the self-probe would wedge the health flag.
	f.health.SetRegistration(false, "down")
	rec := f.do(t, http.MethodGet, "/webhook", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAdminTokenGuardsClear(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.AdminToken = "hunter2" })
	f.cache.MarkSent(context.Background(), "welcome_1")

	rec := f.do(t, http.MethodDelete, "/api/clearMessageCache", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if f.cache.Stats(1).Total != 1 {
		t.Fatal("unauthorized clear must not mutate the cache")
	}

	rec = f.do(t, http.MethodDelete, "/api/clearMessageCache", "", map[string]string{"X-Admin-Token": "hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if f.cache.Stats(1).Total != 0 {
		t.Fatal("authorized clear should empty the cache")
	}

	// Bearer form works too.
	f.cache.MarkSent(context.Background(), "welcome_2")
	rec = f.do(t, http.MethodDelete, "/api/clearMessageCache", "", map[string]string{"Authorization": "Bearer hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer: status = %d, want 200", rec.Code)
	}
}

func TestCacheStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.cache.MarkSent(context.Background(), "welcome_1")
	f.cache.MarkSent(context.Background(), "referral_1_2")

	rec := f.do(t, http.MethodGet, "/api/messageCacheStats", "", nil)
	got := decodeJSON(t, rec)
	if rec.Code != http.StatusOK || got["total"] != float64(2) {
		t.Fatalf("status %d body %v", rec.Code, got)
	}
}

func TestFlexID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{`123`, 123, false},
		{`"123"`, 123, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"abc"`, 0, true},
	}
	for _, tt := range tests {
		var f flexID
		err := json.Unmarshal([]byte(tt.raw), &f)
		if tt.wantErr != (err != nil) {
			t.Fatalf("%s: err = %v", tt.raw, err)
		}
		if err == nil && f.Int64() != tt.want {
			t.Fatalf("%s: got %d, want %d", tt.raw, f.Int64(), tt.want)
		}
	}
}
