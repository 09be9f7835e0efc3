package repository

import (
	"context"
	"qr-payment-relay/internal/model"
	"qr-payment-relay/internal/relay"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProcessedPaymentRepository interface {
	MarkProcessed(ctx context.Context, paymentID string, device relay.DeviceID, outcome string) error
	ProcessedIDs(ctx context.Context) ([]string, error)
}

type processedPaymentRepositoryImpl struct {
	db *gorm.DB
}

func NewProcessedPaymentRepository(db *gorm.DB) ProcessedPaymentRepository {
	return &processedPaymentRepositoryImpl{db: db}
}

// MarkProcessed is idempotent; the first recorded outcome wins.
func (r *processedPaymentRepositoryImpl) MarkProcessed(ctx context.Context, paymentID string, device relay.DeviceID, outcome string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.ProcessedPayment{
			PaymentID:   paymentID,
			Device:      string(device),
			Outcome:     outcome,
			ProcessedAt: time.Now(),
		}).Error
}

func (r *processedPaymentRepositoryImpl) ProcessedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.ProcessedPayment{}).
		Pluck("payment_id", &ids).Error
	if err != nil {
		return nil, err
	}

	return ids, nil
}
