package dto

import (
	"bytes"
	"encoding/json"
	"qr-payment-relay/internal/relay"
	"strings"
	"time"
)

// FlexibleID accepts a JSON string or number.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = FlexibleID(n.String())
	return nil
}

// -------- device API --------

type LinkRequest struct {
	Device string `query:"dev" validate:"required"`
	Price  string `query:"price"`
}

type LinkResponse struct {
	Link string `json:"link"`
}

type StatusRequest struct {
	Device string `query:"dev" validate:"required"`
}

// PopStatusResponse is returned under the pop delivery policy.
type PopStatusResponse struct {
	Paid     bool   `json:"paid"`
	Ref      string `json:"ref,omitempty"`
	IntentID string `json:"intentId,omitempty"`
}

// AckStatusResponse is returned under the ack delivery policy.
type AckStatusResponse struct {
	PendingEvent *relay.Event `json:"pendingEvent"`
}

type AckRequest struct {
	Device    string `query:"dev" validate:"required"`
	PaymentID string `query:"payment_id" validate:"required"`
}

type AckResponse struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// -------- provider notifications --------

type NotificationData struct {
	ID FlexibleID `json:"id"`
}

// NotificationBody covers both the flat ({id, topic}) and nested ({type, data.id}) shapes.
type NotificationBody struct {
	ID    FlexibleID        `json:"id"`
	Topic string            `json:"topic"`
	Type  string            `json:"type"`
	Data  *NotificationData `json:"data"`
}

// -------- admin --------

type CredentialRequest struct {
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in" validate:"gte=0"`
}

type AuditRequest struct {
	Device string `query:"dev"`
	Limit  int    `query:"limit" validate:"gte=0,lte=500"`
}

type AuditEntry struct {
	Device       string    `json:"device"`
	Product      string    `json:"product"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	PayerEmail   string    `json:"payerEmail"`
	Status       string    `json:"status"`
	PaymentID    string    `json:"paymentId"`
	PreferenceID string    `json:"preferenceId"`
	Token        string    `json:"ref"`
	Outcome      string    `json:"outcome"`
	RecordedAt   time.Time `json:"recordedAt"`
}
