// Package gateway looks up checkout sessions on the payment provider's HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/activation"
)

const (
	sessionsPath        = "/v1/checkout/sessions/"
	metadataKeyUserID   = "user_id"
	metadataKeyDiscount = "discount_applied"
	maxResponseBytes    = 1 << 20
)

// ErrSessionNotFound is returned when the provider does not know the session.
var ErrSessionNotFound = errors.New("checkout session not found")

// Config holds the provider endpoint and credentials.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements activation.PaymentGateway over HTTP.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gateway api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, httpClient: &http.Client{Timeout: timeout}}, nil
}

type sessionPayload struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// LookupSession fetches the session and maps it onto a PaymentCallback.
func (client *Client) LookupSession(ctx context.Context, sessionRef string) (activation.PaymentCallback, error) {
	endpoint := client.baseURL.JoinPath(sessionsPath, url.PathEscape(sessionRef))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return activation.PaymentCallback{}, fmt.Errorf("build session request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return activation.PaymentCallback{}, fmt.Errorf("lookup session: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return activation.PaymentCallback{}, fmt.Errorf("read session response: %w", err)
	}
	switch {
	case response.StatusCode == http.StatusNotFound:
		return activation.PaymentCallback{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionRef)
	case response.StatusCode >= http.StatusBadRequest:
		return activation.PaymentCallback{}, fmt.Errorf("lookup session: provider returned %d", response.StatusCode)
	}

	var payload sessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return activation.PaymentCallback{}, fmt.Errorf("decode session response: %w", err)
	}
	discountApplied, _ := strconv.ParseBool(payload.Metadata[metadataKeyDiscount])
	return activation.PaymentCallback{
		MemoryID:        payload.ClientReferenceID,
		SessionRef:      payload.ID,
		PaymentRef:      payload.PaymentIntent,
		PayerUserID:     payload.Metadata[metadataKeyUserID],
		Status:          sessionStatus(payload),
		DiscountApplied: discountApplied,
	}, nil
}

// sessionStatus prefers the payment status and falls back to the session
// status, which is where expiry is reported.
func sessionStatus(payload sessionPayload) activation.PaymentStatus {
	if activation.ParsePaymentStatus(payload.PaymentStatus) == activation.PaymentPaid {
		return activation.PaymentPaid
	}
	if activation.ParsePaymentStatus(payload.Status) == activation.PaymentFailed {
		return activation.PaymentFailed
	}
	return activation.ParsePaymentStatus(payload.PaymentStatus)
}
