package repository

import (
	"context"
	"qr-payment-relay/internal/model"
	"qr-payment-relay/internal/relay"

	"gorm.io/gorm"
)

const maxAuditPage = 500

type AuditRepository interface {
	Append(ctx context.Context, entry relay.AuditEntry) error
	List(ctx context.Context, device string, limit int) ([]*model.PaymentAudit, error)
}

type auditRepoImpl struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepoImpl{
		db: db,
	}
}

func (r *auditRepoImpl) Append(ctx context.Context, entry relay.AuditEntry) error {
	return r.db.WithContext(ctx).Create(&model.PaymentAudit{
		Device:       string(entry.Device),
		Product:      entry.Product,
		Amount:       entry.Amount,
		Currency:     entry.Currency,
		PayerEmail:   entry.PayerEmail,
		Status:       entry.Status,
		PaymentID:    entry.PaymentID,
		PreferenceID: entry.PreferenceID,
		Token:        entry.Token,
		Outcome:      entry.Outcome,
		RecordedAt:   entry.RecordedAt,
	}).Error
}

// List returns the newest entries first, optionally filtered by device.
func (r *auditRepoImpl) List(ctx context.Context, device string, limit int) ([]*model.PaymentAudit, error) {
	if limit <= 0 || limit > maxAuditPage {
		limit = maxAuditPage
	}

	q := r.db.WithContext(ctx).Model(&model.PaymentAudit{})
	if device != "" {
		q = q.Where("device = ?", device)
	}

	var rows []*model.PaymentAudit
	err := q.Order("id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}

	return rows, nil
}
