package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SetWebhook registers callbackURL with Telegram and returns the API's
// acknowledgement description (e.g. "Webhook was set").
//
// This goes through the raw HTTP API: only message updates are relevant
// to the relay, and the raw call keeps the acknowledgement text that the
// registrar logs.
func (a *Adapter) SetWebhook(ctx context.Context, callbackURL string) (string, error) {
	payload := struct {
		URL            string   `json:"url"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{
		URL:            callbackURL,
		AllowedUpdates: []string{"message"},
	}
	return a.callAPI(ctx, "setWebhook", payload)
}

// DeleteWebhook unregisters the callback (used on operator request, not
// during normal shutdown: the registration should survive restarts).
func (a *Adapter) DeleteWebhook(ctx context.Context, dropPending bool) (string, error) {
	payload := struct {
		DropPendingUpdates bool `json:"drop_pending_updates"`
	}{DropPendingUpdates: dropPending}
	return a.callAPI(ctx, "deleteWebhook", payload)
}

func (a *Adapter) callAPI(ctx context.Context, method string, payload any) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := a.api + "/bot" + strings.TrimSpace(a.cfg.Token) + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var ack struct {
		OK          bool   `json:"ok"`
		Result      bool   `json:"result"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return "", fmt.Errorf("%s: unexpected response (status %d)", method, resp.StatusCode)
	}
	if !ack.OK {
		return "", fmt.Errorf("%s: api error %d: %s", method, ack.ErrorCode, ack.Description)
	}
	return ack.Description, nil
}
