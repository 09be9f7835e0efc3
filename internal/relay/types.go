package relay

import (
	"context"
	"time"
)

type DeviceID string

// CatalogEntry is the product a device sells. UnitPrice is in minor currency units.
type CatalogEntry struct {
	Title     string `yaml:"title" validate:"required"`
	Quantity  int    `yaml:"quantity" validate:"required,min=1"`
	Currency  string `yaml:"currency" validate:"required,len=3"`
	UnitPrice int64  `yaml:"unit_price" validate:"required,min=1"`
}

// PriceBounds limits admin price overrides, inclusive, in minor units.
type PriceBounds struct {
	Min int64
	Max int64
}

func (b PriceBounds) Contains(price int64) bool {
	return price >= b.Min && price <= b.Max
}

// Intent is one checkout offer issued for a device.
type Intent struct {
	Seq          uint64
	PreferenceID string
	Token        string
	Device       DeviceID
	Price        int64
	Currency     string
	Link         string
	CreatedAt    time.Time
}

// Event is a confirmed payment waiting to be consumed by its device.
type Event struct {
	PaymentID     string    `json:"paymentId"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency,omitempty"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	PayerEmail    string    `json:"payerEmail,omitempty"`
	Token         string    `json:"ref"`
	IntentID      string    `json:"intentId"`
	ConfirmedAt   time.Time `json:"confirmedAt"`
}

// Notification is the shape-validated subset of a provider webhook call. Device is the device
// named in the notification URL; it only selects the credential used to fetch the payment.
type Notification struct {
	Kind      string
	PaymentID string
	Device    DeviceID
}

const (
	KindPayment    = "payment"
	StatusApproved = "approved"
)

// Payment is the authoritative payment state reported by the gateway.
type Payment struct {
	ID            string
	Status        string
	PreferenceID  string
	Token         string
	Amount        int64
	Currency      string
	PaymentMethod string
	PayerEmail    string
	ApprovedAt    time.Time
}

// PreferenceRequest asks the gateway to create a checkout preference.
type PreferenceRequest struct {
	Device DeviceID
	Token  string
	Item   CatalogEntry
}

type Preference struct {
	ID   string
	Link string
}

// Gateway is the checkout provider as seen by the core.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	// GetPayment reads a payment with the credential of device, or the account credential
	// when device is empty.
	GetPayment(ctx context.Context, device DeviceID, paymentID string) (*Payment, error)
}

type AuditEntry struct {
	Device       DeviceID
	Product      string
	Amount       int64
	Currency     string
	PayerEmail   string
	Status       string
	PaymentID    string
	PreferenceID string
	Token        string
	Outcome      string
	RecordedAt   time.Time
}

type IntentStore interface {
	// SaveIntent records a newly current intent and marks supersededToken (if any) as superseded.
	SaveIntent(ctx context.Context, intent Intent, supersededToken string) error
	CurrentIntents(ctx context.Context) ([]Intent, error)
}

type ProcessedStore interface {
	MarkProcessed(ctx context.Context, paymentID string, device DeviceID, outcome string) error
	ProcessedIDs(ctx context.Context) ([]string, error)
}

type EventStore interface {
	SaveEvent(ctx context.Context, device DeviceID, ev Event) error
	DeleteEvent(ctx context.Context, device DeviceID, paymentID string) error
	PendingEvents(ctx context.Context) (map[DeviceID][]Event, error)
}

type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}
