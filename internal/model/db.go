package model

import "time"

// PaymentIntent is one checkout preference minted for a device. Superseded intents are kept
// for audit.
type PaymentIntent struct {
	Token        string `gorm:"primaryKey;size:64;not null"` // "<device>:<seq>"
	Seq          uint64 `gorm:"not null"`
	PreferenceID string `gorm:"size:128;index;not null"`
	Device       string `gorm:"size:32;index;not null"`
	Price        int64  `gorm:"not null"`
	Currency     string `gorm:"size:8;not null"`
	Link         string `gorm:"size:512;not null"`
	IsCurrent    bool   `gorm:"index;not null;default:false"`
	SupersededAt *time.Time
	CreatedAt    time.Time
}

type ProcessedPayment struct {
	PaymentID   string `gorm:"primaryKey;size:64;not null"` // provider payment id
	Device      string `gorm:"size:32;index"`
	Outcome     string `gorm:"size:32;index;not null"` // delivered, mismatch, not_approved, unresolved
	ProcessedAt time.Time
	CreatedAt   time.Time
}

// PendingDelivery is a confirmed payment not yet consumed by its device.
type PendingDelivery struct {
	PaymentID     string `gorm:"primaryKey;size:64;not null"`
	Device        string `gorm:"size:32;index;not null"`
	Amount        int64  `gorm:"not null"`
	Currency      string `gorm:"size:8"`
	PaymentMethod string `gorm:"size:64"`
	PayerEmail    string `gorm:"size:255"`
	Token         string `gorm:"size:64;not null"`
	PreferenceID  string `gorm:"size:128"`
	ConfirmedAt   time.Time
}

type PaymentAudit struct {
	ID           uint   `gorm:"primaryKey"`
	Device       string `gorm:"size:32;index;not null"`
	Product      string `gorm:"size:128"`
	Amount       int64  `gorm:"not null"`
	Currency     string `gorm:"size:8"`
	PayerEmail   string `gorm:"size:255"`
	Status       string `gorm:"size:32;index"`
	PaymentID    string `gorm:"size:64;index;not null"`
	PreferenceID string `gorm:"size:128"`
	Token        string `gorm:"size:64"`
	Outcome      string `gorm:"size:32"`
	RecordedAt   time.Time
}

// DeviceCredential is the provider account token used when minting for a device.
type DeviceCredential struct {
	Device         string `gorm:"primaryKey;size:32;not null"`
	AccessToken    string `gorm:"size:512;not null"`
	RefreshToken   string `gorm:"size:512"`
	TokenExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProviderToken is an OAuth token pair as issued by the provider.
type ProviderToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}
