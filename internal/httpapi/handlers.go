package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"relaybot/internal/bot"
	"relaybot/internal/telegram"
	logx "relaybot/pkg/logx"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	banner := map[string]any{
		"service": "relaybot",
		"status":  "ok",
	}
	if !started.IsZero() {
		banner["uptime"] = time.Since(started).Round(time.Second).String()
	}
	if s.reg != nil {
		banner["registrar"] = s.reg.Snapshot()
	}
	respondJSON(w, http.StatusOK, banner)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()
	status := "healthy"
	code := http.StatusOK
	if !snap.Healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": snap.Timestamp.UTC().Format(time.RFC3339),
		"checks":    snap.Checks,
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "relaybot webhook endpoint is up\n")
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "token") != s.cfg.WebhookSecret {
		// Wrong secret looks exactly like a missing route.
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	update, err := telegram.DecodeUpdate(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed update payload")
		return
	}

	// Bound update processing; cancelling the context aborts the in-flight
	// handler rather than letting it race against later cache mutations.
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProcessTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.bot.HandleUpdate(ctx, update)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			s.log.Error("update handling failed", logx.Err(err))
			s.health.NoteHandlerError("update handling failed")
			respondError(w, http.StatusInternalServerError, "update handling failed")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK")
	case <-ctx.Done():
		s.log.Warn("update handling timed out", logx.Duration("timeout", s.cfg.ProcessTimeout))
		respondError(w, http.StatusGatewayTimeout, "update processing timed out")
	}
}

func (s *Server) handleSendWelcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     flexID `json:"userId"`
		Username   string `json:"username"`
		FirstName  string `json:"firstName"`
		ReferrerID flexID `json:"referrerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == 0 {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	user := bot.UserInfo{ID: req.UserID.Int64(), Username: req.Username, FirstName: req.FirstName}
	res, err := s.bot.SendWelcome(r.Context(), user, req.ReferrerID.Int64())

	resp := map[string]any{"success": true}
	if req.ReferrerID != 0 {
		resp["hasReferrer"] = true
	}
	switch {
	case err != nil:
		// A broken side-channel notification must not fail the caller's
		// user-facing flow; log and report success.
		s.log.Error("welcome send failed", logx.Int64("user_id", user.ID), logx.Err(err))
		resp["message"] = "welcome message could not be delivered"
	case res.AlreadySent:
		resp["alreadySent"] = true
		resp["message"] = "welcome message already sent"
	case res.BotBlocked:
		resp["botBlocked"] = true
		resp["message"] = "user has blocked the bot"
	default:
		resp["message"] = "welcome message sent"
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendReferral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferrerID flexID `json:"referrerId"`
		NewUser    struct {
			ID       flexID `json:"id"`
			Username string `json:"username"`
		} `json:"newUser"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ReferrerID == 0 {
		respondError(w, http.StatusBadRequest, "referrerId is required")
		return
	}
	if req.NewUser.ID == 0 {
		respondError(w, http.StatusBadRequest, "newUser.id is required")
		return
	}

	newUser := bot.UserInfo{ID: req.NewUser.ID.Int64(), Username: req.NewUser.Username}
	res, err := s.bot.SendReferral(r.Context(), req.ReferrerID.Int64(), newUser)

	resp := map[string]any{"success": true}
	switch {
	case err != nil:
		s.log.Error("referral notification failed",
			logx.Int64("referrer_id", req.ReferrerID.Int64()), logx.Err(err))
		resp["message"] = "referral notification could not be delivered"
	case res.AlreadySent:
		resp["alreadySent"] = true
		resp["message"] = "referral notification already sent"
	case res.BotBlocked:
		resp["botBlocked"] = true
		resp["message"] = "referrer has blocked the bot"
	default:
		resp["message"] = "referral notification sent"
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendBotMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TelegramID flexID `json:"telegramId"`
		Message    string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TelegramID == 0 {
		respondError(w, http.StatusBadRequest, "telegramId is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.bot.SendDirect(r.Context(), req.TelegramID.Int64(), req.Message)
	if err != nil {
		s.log.Error("direct send failed", logx.Int64("chat_id", req.TelegramID.Int64()), logx.Err(err))
		respondError(w, http.StatusInternalServerError, "message could not be delivered")
		return
	}
	resp := map[string]any{"success": true}
	if res.BotBlocked {
		resp["botBlocked"] = true
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n := s.cache.Clear(r.Context())
	s.log.Info("message cache cleared", logx.Int("removed", n))
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": n})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st := s.cache.Stats(10)
	respondJSON(w, http.StatusOK, map[string]any{
		"total":  st.Total,
		"sample": st.Sample,
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}
