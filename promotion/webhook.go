package promotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/points-ledger/points"
)

const webhookIssuer = "points-ledger"

// WebhookPayload is the JSON body posted for each level change.
type WebhookPayload struct {
	EventID string             `json:"event_id,omitempty"`
	Type    string             `json:"type"`
	Change  points.LevelChange `json:"change"`
}

// Webhook posts level changes to the role service. With a secret, each
// request carries a short-lived HS256 bearer token whose jti is the event id.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
}

var _ points.PromotionHook = (*Webhook)(nil)

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithClient replaces the HTTP client.
func (w *Webhook) WithClient(c *http.Client) *Webhook {
	w.client = c
	return w
}

func (w *Webhook) OnLevelChange(ctx context.Context, change points.LevelChange) error {
	eventID := EventID(ctx)
	payload := WebhookPayload{EventID: eventID, Type: "level_changed", Change: change}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if eventID != "" {
		req.Header.Set("X-Event-ID", eventID)
	}
	if len(w.secret) > 0 {
		token, err := w.sign(change, eventID)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) sign(change points.LevelChange, eventID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    webhookIssuer,
		Subject:   strconv.FormatInt(int64(change.UserID), 10),
		ID:        eventID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign webhook token: %w", err)
	}
	return token, nil
}
