package repository

import (
	"context"
	"qr-payment-relay/internal/model"
	"qr-payment-relay/internal/relay"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryRepository interface {
	SaveEvent(ctx context.Context, device relay.DeviceID, ev relay.Event) error
	DeleteEvent(ctx context.Context, device relay.DeviceID, paymentID string) error
	PendingEvents(ctx context.Context) (map[relay.DeviceID][]relay.Event, error)
}

type deliveryRepoImpl struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) DeliveryRepository {
	return &deliveryRepoImpl{
		db: db,
	}
}

func (r *deliveryRepoImpl) SaveEvent(ctx context.Context, device relay.DeviceID, ev relay.Event) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model.PendingDelivery{
			PaymentID:     ev.PaymentID,
			Device:        string(device),
			Amount:        ev.Amount,
			Currency:      ev.Currency,
			PaymentMethod: ev.PaymentMethod,
			PayerEmail:    ev.PayerEmail,
			Token:         ev.Token,
			PreferenceID:  ev.IntentID,
			ConfirmedAt:   ev.ConfirmedAt,
		}).Error
}

func (r *deliveryRepoImpl) DeleteEvent(ctx context.Context, device relay.DeviceID, paymentID string) error {
	return r.db.WithContext(ctx).
		Where("device = ? AND payment_id = ?", string(device), paymentID).
		Delete(&model.PendingDelivery{}).Error
}

func (r *deliveryRepoImpl) PendingEvents(ctx context.Context) (map[relay.DeviceID][]relay.Event, error) {
	var rows []*model.PendingDelivery
	err := r.db.WithContext(ctx).
		Order("confirmed_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	events := make(map[relay.DeviceID][]relay.Event)
	for _, row := range rows {
		device := relay.DeviceID(row.Device)
		events[device] = append(events[device], relay.Event{
			PaymentID:     row.PaymentID,
			Amount:        row.Amount,
			Currency:      row.Currency,
			PaymentMethod: row.PaymentMethod,
			PayerEmail:    row.PayerEmail,
			Token:         row.Token,
			IntentID:      row.PreferenceID,
			ConfirmedAt:   row.ConfirmedAt,
		})
	}
	return events, nil
}
