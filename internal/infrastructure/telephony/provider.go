package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidleathers/call-verification-engine/internal/domain/errors"
	"github.com/davidleathers/call-verification-engine/internal/service/calldriver"
)

// Config points at the voice gateway that places real calls and runs the
// conversation agent. Outcomes come back asynchronously on the webhook path.
type Config struct {
	BaseURL    string
	APIKey     string
	FromNumber string
	Timeout    time.Duration
}

// GatewayProvider implements the live telephony collaborator over the voice
// gateway's HTTP API.
type GatewayProvider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewGatewayProvider(cfg Config, logger *slog.Logger) *GatewayProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &GatewayProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *GatewayProvider) Name() string { return "gateway" }

type placeCallRequest struct {
	To                string `json:"to"`
	From              string `json:"from"`
	VerificationID    string `json:"verification_id"`
	StatusCallbackURL string `json:"status_callback_url"`
	VoiceWebhookURL   string `json:"voice_webhook_url"`
}

type placeCallResponse struct {
	CallSID string `json:"call_sid"`
}

// PlaceCall asks the gateway to dial the destination. Transport failures and
// gateway 5xx responses surface as ProviderUnavailable so the scheduler
// releases the claim instead of burning an attempt.
func (p *GatewayProvider) PlaceCall(ctx context.Context, destination string, refs calldriver.CallbackRefs) (string, error) {
	body, err := json.Marshal(placeCallRequest{
		To:                destination,
		From:              p.cfg.FromNumber,
		VerificationID:    refs.VerificationID,
		StatusCallbackURL: refs.StatusCallbackURL,
		VoiceWebhookURL:   refs.VoiceWebhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode place-call request: %w", err)
	}

	resp, err := p.post(ctx, "/v1/calls", body)
	if err != nil {
		return "", errors.NewProviderUnavailableError(p.Name(), "place call request failed").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", errors.NewProviderUnavailableError(p.Name(),
			fmt.Sprintf("gateway returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", errors.NewInvalidTargetError(destination,
			fmt.Sprintf("gateway rejected call: %d %s", resp.StatusCode, payload))
	}

	var out placeCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.NewProviderUnavailableError(p.Name(), "malformed gateway response").WithCause(err)
	}
	if out.CallSID == "" {
		return "", errors.NewProviderUnavailableError(p.Name(), "gateway returned no call SID")
	}

	p.logger.Info("live call placed", "call_sid", out.CallSID, "destination", destination)
	return out.CallSID, nil
}

// EndCall hangs up an in-flight call. Best effort: the call ends on its own
// when the agent disconnects even if this request is lost.
func (p *GatewayProvider) EndCall(ctx context.Context, callSID string) error {
	resp, err := p.post(ctx, "/v1/calls/"+callSID+"/hangup", nil)
	if err != nil {
		return fmt.Errorf("hangup request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("gateway hangup returned %d", resp.StatusCode)
	}
	return nil
}

func (p *GatewayProvider) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return p.client.Do(req)
}

var _ calldriver.Provider = (*GatewayProvider)(nil)
