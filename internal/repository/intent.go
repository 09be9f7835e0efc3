package repository

import (
	"context"
	"qr-payment-relay/internal/model"
	"qr-payment-relay/internal/relay"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IntentRepository interface {
	SaveIntent(ctx context.Context, intent relay.Intent, supersededToken string) error
	CurrentIntents(ctx context.Context) ([]relay.Intent, error)
}

type intentRepoImpl struct {
	db *gorm.DB
}

func NewIntentRepository(db *gorm.DB) IntentRepository {
	return &intentRepoImpl{
		db: db,
	}
}

func (r *intentRepoImpl) SaveIntent(ctx context.Context, intent relay.Intent, supersededToken string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &model.PaymentIntent{
			Token:        intent.Token,
			Seq:          intent.Seq,
			PreferenceID: intent.PreferenceID,
			Device:       string(intent.Device),
			Price:        intent.Price,
			Currency:     intent.Currency,
			Link:         intent.Link,
			IsCurrent:    true,
			CreatedAt:    intent.CreatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
			return err
		}

		// Older intents of the device stay current only until a newer one is saved.
		now := time.Now()
		return tx.Model(&model.PaymentIntent{}).
			Where("device = ? AND is_current = ? AND (token = ? OR seq < ?)",
				row.Device, true, supersededToken, row.Seq).
			Updates(map[string]interface{}{
				"is_current":    false,
				"superseded_at": now,
			}).Error
	})
}

func (r *intentRepoImpl) CurrentIntents(ctx context.Context) ([]relay.Intent, error) {
	var rows []*model.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("is_current = ?", true).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	intents := make([]relay.Intent, 0, len(rows))
	for _, row := range rows {
		intents = append(intents, toIntent(row))
	}
	return intents, nil
}

func toIntent(row *model.PaymentIntent) relay.Intent {
	return relay.Intent{
		Seq:          row.Seq,
		PreferenceID: row.PreferenceID,
		Token:        row.Token,
		Device:       relay.DeviceID(row.Device),
		Price:        row.Price,
		Currency:     row.Currency,
		Link:         row.Link,
		CreatedAt:    row.CreatedAt,
	}
}
