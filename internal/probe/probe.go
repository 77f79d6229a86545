// Package probe periodically checks this server's own liveness endpoint.
//
// The probe detects self-inflicted unhealthiness (wedged listener, stuck
// handler chain), not the health of the Telegram platform.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"relaybot/internal/health"
	logx "relaybot/pkg/logx"
)

type Prober struct {
	url    string
	client *http.Client
	health *health.Tracker
	log    logx.Logger
}

func New(url string, h *health.Tracker, log logx.Logger) *Prober {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		health: h,
		log:    log,
	}
}

// Check issues one probe and records the outcome.
func (p *Prober) Check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		p.health.SetProbe(false, err.Error())
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.health.SetProbe(false, err.Error())
		p.log.Warn("self-probe failed", logx.String("url", p.url), logx.Err(err))
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := fmt.Sprintf("self-probe status %d", resp.StatusCode)
		p.health.SetProbe(false, reason)
		p.log.Warn("self-probe unhealthy", logx.String("url", p.url), logx.Int("status", resp.StatusCode))
		return
	}

	p.health.SetProbe(true, "")
}
