package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"qr-payment-relay/internal/model"
	"qr-payment-relay/internal/relay"
	"qr-payment-relay/internal/repository"
	"time"

	"gorm.io/gorm"
)

var ErrNoAccessToken = errors.New("no access token configured")

// CredentialService resolves the provider token for a device. Devices without a stored,
// unexpired credential use the account token from config.
type CredentialService interface {
	AccessToken(ctx context.Context, device relay.DeviceID) (string, error)
	UpdateTokens(ctx context.Context, device relay.DeviceID, tokens *model.ProviderToken) error
	Disconnect(ctx context.Context, device relay.DeviceID) error
}

type credentialServiceImpl struct {
	credentialRepo repository.CredentialRepository
	accountToken   string
	devices        func(relay.DeviceID) error
	clock          relay.Clock
	logger         *slog.Logger
}

func NewCredentialService(
	credentialRepo repository.CredentialRepository,
	accountToken string,
	devices func(relay.DeviceID) error,
	clock relay.Clock,
	logger *slog.Logger,
) CredentialService {
	return &credentialServiceImpl{
		credentialRepo: credentialRepo,
		accountToken:   accountToken,
		devices:        devices,
		clock:          clock,
		logger:         logger,
	}
}

func (s *credentialServiceImpl) AccessToken(ctx context.Context, device relay.DeviceID) (string, error) {
	if device != "" && s.credentialRepo != nil {
		cred, err := s.credentialRepo.Get(ctx, string(device))
		switch {
		case err == nil && cred.AccessToken != "" && !s.expired(cred):
			return cred.AccessToken, nil
		case err == nil && s.expired(cred):
			s.logger.Warn("device credential expired, using account token", "device", device)
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return "", fmt.Errorf("load device credential: %w", err)
		}
	}

	if s.accountToken == "" {
		return "", ErrNoAccessToken
	}
	return s.accountToken, nil
}

func (s *credentialServiceImpl) expired(cred *model.DeviceCredential) bool {
	return cred.TokenExpiresAt != nil && !cred.TokenExpiresAt.After(s.clock.Now())
}

func (s *credentialServiceImpl) UpdateTokens(ctx context.Context, device relay.DeviceID, tokens *model.ProviderToken) error {
	if err := s.devices(device); err != nil {
		return err
	}

	var expiresAt *time.Time
	if tokens.ExpiresIn > 0 {
		t := s.clock.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	err := s.credentialRepo.Upsert(ctx, &model.DeviceCredential{
		Device:         string(device),
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("upsert device credential: %w", err)
	}

	s.logger.Info("device credential updated", "device", device, "expires_at", expiresAt)
	return nil
}

func (s *credentialServiceImpl) Disconnect(ctx context.Context, device relay.DeviceID) error {
	if err := s.devices(device); err != nil {
		return err
	}
	return s.credentialRepo.Delete(ctx, string(device))
}
