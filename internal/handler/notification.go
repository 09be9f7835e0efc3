package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"qr-payment-relay/internal/dto"
	"qr-payment-relay/internal/relay"
	"strings"

	"github.com/labstack/echo/v4"
)

const maxNotificationBody = 64 << 10

type NotificationProcessor interface {
	Handle(ctx context.Context, n relay.Notification) relay.Outcome
}

type NotificationHandler struct {
	processor NotificationProcessor
	logger    *slog.Logger
}

func NewNotificationHandler(processor NotificationProcessor, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		processor: processor,
		logger:    logger,
	}
}

// Notify accepts provider webhooks. It answers 200 for everything it could read so the
// provider does not retry aggressively; redeliveries are deduplicated downstream.
func (h *NotificationHandler) Notify(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(io.LimitReader(req.Body, maxNotificationBody))
	if err != nil {
		h.logger.Warn("read notification body failed", "error", err)
	}

	n, err := parseNotification(req.URL.Query(), req.Header.Get(echo.HeaderContentType), body)
	if err != nil {
		h.logger.Warn("unparseable notification", "error", err, "query", req.URL.RawQuery)
		return c.NoContent(http.StatusBadRequest)
	}

	// The provider may hang up early; processing must still finish.
	outcome := h.processor.Handle(context.WithoutCancel(req.Context()), n)
	h.logger.Debug("notification handled", "payment_id", n.PaymentID, "kind", n.Kind, "outcome", outcome)

	return c.NoContent(http.StatusOK)
}

// parseNotification extracts the payment id and kind from the query string and the body.
// Query values win. It fails only when the body claims to be JSON, cannot be decoded and the
// query carries no id.
func parseNotification(query url.Values, contentType string, body []byte) (relay.Notification, error) {
	n := relay.Notification{
		PaymentID: firstNonEmpty(query.Get("id"), query.Get("data.id")),
		Kind:      firstNonEmpty(query.Get("topic"), query.Get("type")),
		Device:    relay.DeviceID(firstNonEmpty(query.Get("dev"))),
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return n, nil
	}

	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	switch {
	case mediaType == echo.MIMEApplicationForm:
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return n, nil
		}
		n.PaymentID = firstNonEmpty(n.PaymentID, form.Get("data.id"), form.Get("id"))
		n.Kind = firstNonEmpty(n.Kind, form.Get("topic"), form.Get("type"))

	case mediaType == echo.MIMEApplicationJSON || body[0] == '{':
		var payload dto.NotificationBody
		if err := json.Unmarshal(body, &payload); err != nil {
			if n.PaymentID == "" {
				return n, err
			}
			return n, nil
		}
		var dataID string
		if payload.Data != nil {
			dataID = string(payload.Data.ID)
		}
		n.PaymentID = firstNonEmpty(n.PaymentID, dataID, string(payload.ID))
		n.Kind = firstNonEmpty(n.Kind, payload.Type, payload.Topic)
	}

	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
