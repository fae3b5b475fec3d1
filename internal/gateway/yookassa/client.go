// Package yookassa is a minimal client for the YooKassa payments API.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultInitialInterval   = 2 * time.Second
	defaultMaxInterval       = 30 * time.Second
	defaultMaxElapsedTime    = time.Minute
	idempotenceKeyHeader     = "Idempotence-Key"
	confirmationTypeRedirect = "redirect"
	maxErrorBodyBytes        = 2048
)

// Payment statuses reported by the gateway.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// ErrNotFound reports an unknown payment id.
var ErrNotFound = errors.New("yookassa: payment not found")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("yookassa: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config describes the client credentials and retry policy.
type Config struct {
	BaseURL    string
	ShopID     string
	SecretKey  string
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Backoff overrides the retry policy; nil selects exponential backoff.
	Backoff func() backoff.BackOff
}

// Client talks to the payments endpoints.
type Client struct {
	baseURL    string
	shopID     string
	secretKey  string
	httpClient *http.Client
	logger     *zap.Logger
	newBackoff func() backoff.BackOff
}

// Amount is a decimal money value as the API encodes it.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Confirmation describes how the payer completes the checkout.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// CreatePaymentRequest is the body of a payment creation call.
type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Payment is the subset of the payment object the bot relies on.
type Payment struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       Amount            `json:"amount"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ConfirmationURL returns the redirect target of the payment, if any.
func (p Payment) ConfirmationURL() string {
	if p.Confirmation == nil {
		return ""
	}
	return p.Confirmation.ConfirmationURL
}

// NewClient validates credentials and constructs a client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ShopID) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("yookassa: shop id and secret key are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("yookassa: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newBackoff := cfg.Backoff
	if newBackoff == nil {
		newBackoff = defaultBackoff
	}
	return &Client{
		baseURL:    baseURL,
		shopID:     cfg.ShopID,
		secretKey:  cfg.SecretKey,
		httpClient: httpClient,
		logger:     logger,
		newBackoff: newBackoff,
	}, nil
}

// NewRedirectConfirmation builds a redirect confirmation returning to returnURL.
func NewRedirectConfirmation(returnURL string) Confirmation {
	return Confirmation{Type: confirmationTypeRedirect, ReturnURL: returnURL}
}

// CreatePayment creates a payment. The idempotence key makes retried calls safe.
func (c *Client) CreatePayment(ctx context.Context, idempotenceKey string, request CreatePaymentRequest) (Payment, error) {
	if strings.TrimSpace(idempotenceKey) == "" {
		return Payment{}, fmt.Errorf("yookassa: idempotence key is required")
	}
	body, err := json.Marshal(request)
	if err != nil {
		return Payment{}, fmt.Errorf("yookassa: encode request: %w", err)
	}
	var payment Payment
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/payments", idempotenceKey, body, &payment); err != nil {
		return Payment{}, err
	}
	return payment, nil
}

// GetPayment fetches the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return Payment{}, ErrNotFound
	}
	var payment Payment
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/payments/"+url.PathEscape(paymentID), "", nil, &payment); err != nil {
		return Payment{}, err
	}
	return payment, nil
}

// do executes the request with retries on 429, 5xx and network errors.
func (c *Client) do(ctx context.Context, method, endpoint, idempotenceKey string, body []byte, result any) error {
	var responseBody []byte

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("yookassa: build request: %w", err))
		}
		request.SetBasicAuth(c.shopID, c.secretKey)
		request.Header.Set("Accept", "application/json")
		if body != nil {
			request.Header.Set("Content-Type", "application/json")
		}
		if idempotenceKey != "" {
			request.Header.Set(idempotenceKeyHeader, idempotenceKey)
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("yookassa: perform request: %w", err)
		}
		defer func() {
			if closeErr := response.Body.Close(); closeErr != nil {
				c.logger.Warn("failed to close response body", zap.Error(closeErr), zap.String("url", endpoint))
			}
		}()

		switch {
		case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError:
			c.logger.Warn("payment gateway unavailable, retrying",
				zap.String("url", endpoint),
				zap.Int("status", response.StatusCode))
			return &StatusError{StatusCode: response.StatusCode, Body: readErrorBody(response.Body)}
		case response.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case response.StatusCode < 200 || response.StatusCode > 299:
			return backoff.Permanent(&StatusError{StatusCode: response.StatusCode, Body: readErrorBody(response.Body)})
		}

		responseBody, err = io.ReadAll(response.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("yookassa: read response: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		return err
	}
	if err := json.Unmarshal(responseBody, result); err != nil {
		return fmt.Errorf("yookassa: decode response: %w", err)
	}
	return nil
}

func readErrorBody(reader io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(reader, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}

func defaultBackoff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = defaultInitialInterval
	policy.MaxInterval = defaultMaxInterval
	policy.MaxElapsedTime = defaultMaxElapsedTime
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0.5
	return policy
}
