package service

import (
	"context"
	"fmt"
	"qr-payment-relay/internal/model"
	"qr-payment-relay/internal/relay"
	"qr-payment-relay/internal/repository"
	"strconv"
	"strings"
)

// DeviceService backs the device-facing endpoints.
type DeviceService interface {
	Link(ctx context.Context, device relay.DeviceID, price string) (string, error)
	Regenerate(ctx context.Context, device relay.DeviceID, price string) (string, error)
	Status(ctx context.Context, device relay.DeviceID) (*relay.Event, error)
	Ack(ctx context.Context, device relay.DeviceID, paymentID string) (bool, error)
	Policy() relay.Policy
	Snapshot() []relay.DeviceSnapshot
	RecentPayments(ctx context.Context, device string, limit int) ([]*model.PaymentAudit, error)
}

type deviceServiceImpl struct {
	registry  *relay.Registry
	queue     *relay.Queue
	auditRepo repository.AuditRepository
}

func NewDeviceService(
	registry *relay.Registry,
	queue *relay.Queue,
	auditRepo repository.AuditRepository,
) DeviceService {
	return &deviceServiceImpl{
		registry:  registry,
		queue:     queue,
		auditRepo: auditRepo,
	}
}

// parsePrice returns nil for an absent or non-numeric price.
func parsePrice(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func (s *deviceServiceImpl) Link(ctx context.Context, device relay.DeviceID, price string) (string, error) {
	return s.registry.LinkFor(ctx, device, parsePrice(price))
}

func (s *deviceServiceImpl) Regenerate(ctx context.Context, device relay.DeviceID, price string) (string, error) {
	if err := s.registry.Check(device); err != nil {
		return "", err
	}
	intent, err := s.registry.Regenerate(context.WithoutCancel(ctx), device, parsePrice(price))
	if err != nil {
		return "", err
	}
	return intent.Link, nil
}

func (s *deviceServiceImpl) Status(ctx context.Context, device relay.DeviceID) (*relay.Event, error) {
	if err := s.registry.Check(device); err != nil {
		return nil, err
	}
	ev, ok := s.queue.Poll(ctx, device)
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (s *deviceServiceImpl) Ack(ctx context.Context, device relay.DeviceID, paymentID string) (bool, error) {
	if err := s.registry.Check(device); err != nil {
		return false, err
	}
	return s.queue.Ack(ctx, device, paymentID)
}

func (s *deviceServiceImpl) Policy() relay.Policy {
	return s.queue.Policy()
}

func (s *deviceServiceImpl) Snapshot() []relay.DeviceSnapshot {
	snaps := s.registry.Snapshot()
	for i := range snaps {
		snaps[i].QueueLen = s.queue.Len(snaps[i].Device)
	}
	return snaps
}

func (s *deviceServiceImpl) RecentPayments(ctx context.Context, device string, limit int) ([]*model.PaymentAudit, error) {
	if device != "" {
		if err := s.registry.Check(relay.DeviceID(device)); err != nil {
			return nil, err
		}
	}
	rows, err := s.auditRepo.List(ctx, device, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment audit: %w", err)
	}
	return rows, nil
}
