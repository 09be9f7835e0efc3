package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"qr-payment-relay/internal/config"
	"qr-payment-relay/internal/dto"
	"qr-payment-relay/internal/relay"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxErrorBody     = 2048
	deviceQueryParam = "dev"
)

// TokenProvider returns the bearer token used for provider calls. An empty device asks for
// the account-level token.
type TokenProvider interface {
	AccessToken(ctx context.Context, device relay.DeviceID) (string, error)
}

type CheckoutClient interface {
	CreatePreference(ctx context.Context, req relay.PreferenceRequest) (*relay.Preference, error)
	GetPayment(ctx context.Context, device relay.DeviceID, paymentID string) (*relay.Payment, error)
}

type checkoutClientImpl struct {
	httpClient          *http.Client
	baseApiURL          string
	notificationURL     string
	statementDescriptor string
	sandbox             bool
	tokens              TokenProvider
}

type preferenceItem struct {
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	CurrencyID string      `json:"currency_id"`
	UnitPrice  json.Number `json:"unit_price"`
}

type createPreferencePayload struct {
	Items               []preferenceItem `json:"items"`
	ExternalReference   string           `json:"external_reference"`
	NotificationURL     string           `json:"notification_url,omitempty"`
	StatementDescriptor string           `json:"statement_descriptor,omitempty"`
}

type createPreferenceResult struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type paymentPayer struct {
	Email string `json:"email"`
}

type paymentResult struct {
	ID                dto.FlexibleID  `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	PreferenceID      string          `json:"preference_id"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	PaymentMethodID   string          `json:"payment_method_id"`
	Payer             *paymentPayer   `json:"payer"`
	DateApproved      *time.Time      `json:"date_approved"`
}

func NewCheckoutClient(cfg *config.Gateway, notificationURL string, tokens TokenProvider) CheckoutClient {
	return &checkoutClientImpl{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseApiURL:          strings.TrimRight(cfg.BaseApiURL, "/"),
		notificationURL:     notificationURL,
		statementDescriptor: cfg.StatementDescriptor,
		sandbox:             cfg.Sandbox,
		tokens:              tokens,
	}
}

func (c *checkoutClientImpl) CreatePreference(ctx context.Context, req relay.PreferenceRequest) (*relay.Preference, error) {
	accessToken, err := c.tokens.AccessToken(ctx, req.Device)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	payload := createPreferencePayload{
		Items: []preferenceItem{{
			Title:      req.Item.Title,
			Quantity:   req.Item.Quantity,
			CurrencyID: req.Item.Currency,
			UnitPrice:  json.Number(MinorToMajor(req.Item.UnitPrice).StringFixed(2)),
		}},
		ExternalReference:   req.Token,
		NotificationURL:     c.notificationURLFor(req.Device),
		StatementDescriptor: c.statementDescriptor,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal req payload: %w", err)
	}

	var result createPreferenceResult
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", accessToken, body, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, fmt.Errorf("preference response without id")
	}

	link := result.InitPoint
	if c.sandbox && result.SandboxInitPoint != "" {
		link = result.SandboxInitPoint
	}
	if link == "" {
		link = result.SandboxInitPoint
	}
	if link == "" {
		return nil, fmt.Errorf("preference %s has no checkout link", result.ID)
	}

	return &relay.Preference{
		ID:   result.ID,
		Link: link,
	}, nil
}

func (c *checkoutClientImpl) GetPayment(ctx context.Context, device relay.DeviceID, paymentID string) (*relay.Payment, error) {
	accessToken, err := c.tokens.AccessToken(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	var result paymentResult
	path := "/v1/payments/" + url.PathEscape(paymentID)
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &result); err != nil {
		return nil, err
	}

	payment := &relay.Payment{
		ID:            string(result.ID),
		Status:        strings.ToLower(result.Status),
		PreferenceID:  result.PreferenceID,
		Token:         result.ExternalReference,
		Amount:        MajorToMinor(result.TransactionAmount),
		Currency:      result.CurrencyID,
		PaymentMethod: result.PaymentMethodID,
	}
	if payment.ID == "" {
		payment.ID = paymentID
	}
	if result.Payer != nil {
		payment.PayerEmail = result.Payer.Email
	}
	if result.DateApproved != nil {
		payment.ApprovedAt = result.DateApproved.UTC()
	}
	return payment, nil
}

// notificationURLFor tags the webhook address with the device so the payment can later be read
// with the same credential that created the preference.
func (c *checkoutClientImpl) notificationURLFor(device relay.DeviceID) string {
	if c.notificationURL == "" || device == "" {
		return c.notificationURL
	}
	u, err := url.Parse(c.notificationURL)
	if err != nil {
		return c.notificationURL
	}
	q := u.Query()
	q.Set(deviceQueryParam, string(device))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *checkoutClientImpl) do(ctx context.Context, method, path, accessToken string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, reader)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("gateway error %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

// MinorToMajor converts an amount in minor units to the provider's decimal major units.
func MinorToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func MajorToMinor(major decimal.Decimal) int64 {
	return major.Shift(2).Round(0).IntPart()
}
