package repository

import (
	"context"
	"qr-payment-relay/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CredentialRepository interface {
	Upsert(ctx context.Context, credential *model.DeviceCredential) error
	Get(ctx context.Context, device string) (*model.DeviceCredential, error)
	Delete(ctx context.Context, device string) error
}

type credentialRepoImpl struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepoImpl{
		db: db,
	}
}

func (r *credentialRepoImpl) Upsert(ctx context.Context, credential *model.DeviceCredential) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"access_token":     credential.AccessToken,
			"refresh_token":    credential.RefreshToken,
			"token_expires_at": credential.TokenExpiresAt,
			"updated_at":       time.Now(),
		}),
	}).Create(credential).Error
}

func (r *credentialRepoImpl) Get(ctx context.Context, device string) (*model.DeviceCredential, error) {
	var credential model.DeviceCredential
	err := r.db.WithContext(ctx).
		Where("device = ?", device).
		First(&credential).Error
	if err != nil {
		return nil, err
	}

	return &credential, nil
}

func (r *credentialRepoImpl) Delete(ctx context.Context, device string) error {
	result := r.db.
		WithContext(ctx).
		Where("device = ?", device).
		Delete(&model.DeviceCredential{})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}
