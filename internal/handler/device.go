package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"qr-payment-relay/internal/dto"
	"qr-payment-relay/internal/relay"
	"qr-payment-relay/internal/service"

	"github.com/labstack/echo/v4"
)

var queryBinder = &echo.DefaultBinder{}

type DeviceHandler struct {
	deviceService service.DeviceService
	logger        *slog.Logger
}

func NewDeviceHandler(deviceService service.DeviceService, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        logger,
	}
}

// bindQuery binds and validates query parameters. Devices only ever send query strings, so a
// request that fails here is treated as an unknown device.
func bindQuery(c echo.Context, req any) error {
	if err := queryBinder.BindQueryParams(c, req); err != nil {
		return &relay.ConfigError{Reason: "invalid query"}
	}
	if err := c.Validate(req); err != nil {
		return &relay.ConfigError{Reason: "missing device"}
	}
	return nil
}

func configErrorResponse(c echo.Context, err error) error {
	var ce *relay.ConfigError
	if errors.As(err, &ce) {
		return c.JSON(http.StatusBadRequest, &dto.ErrorResponse{Error: ce.Error()})
	}
	return err
}

func (h *DeviceHandler) Link(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.LinkRequest
	if err := bindQuery(c, &req); err != nil {
		return configErrorResponse(c, err)
	}

	link, err := h.deviceService.Link(ctx, relay.DeviceID(req.Device), req.Price)
	if err != nil {
		if relay.IsConfigError(err) {
			return configErrorResponse(c, err)
		}
		h.logger.Error("link request failed", "device", req.Device, "error", err)
	}

	return c.JSON(http.StatusOK, &dto.LinkResponse{Link: link})
}

func (h *DeviceHandler) Regenerate(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.LinkRequest
	if err := bindQuery(c, &req); err != nil {
		return configErrorResponse(c, err)
	}

	link, err := h.deviceService.Regenerate(ctx, relay.DeviceID(req.Device), req.Price)
	if err != nil {
		if relay.IsConfigError(err) {
			return configErrorResponse(c, err)
		}
		h.logger.Error("regenerate link failed", "device", req.Device, "error", err)
	}

	return c.JSON(http.StatusOK, &dto.LinkResponse{Link: link})
}

func (h *DeviceHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.StatusRequest
	if err := bindQuery(c, &req); err != nil {
		return configErrorResponse(c, err)
	}

	device := relay.DeviceID(req.Device)
	ev, err := h.deviceService.Status(ctx, device)
	if err != nil {
		return configErrorResponse(c, err)
	}

	if h.deviceService.Policy() == relay.PolicyAck {
		return c.JSON(http.StatusOK, &dto.AckStatusResponse{PendingEvent: ev})
	}

	if ev == nil {
		h.logger.Debug("status polled, nothing pending", "device", device)
		return c.JSON(http.StatusOK, &dto.PopStatusResponse{Paid: false})
	}
	h.logger.Info("status polled, event consumed", "device", device, "payment_id", ev.PaymentID, "ref", ev.Token)
	return c.JSON(http.StatusOK, &dto.PopStatusResponse{
		Paid:     true,
		Ref:      ev.Token,
		IntentID: ev.IntentID,
	})
}

func (h *DeviceHandler) Ack(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.AckRequest
	if err := queryBinder.BindQueryParams(c, &req); err != nil {
		return configErrorResponse(c, &relay.ConfigError{Reason: "invalid query"})
	}
	if req.Device == "" {
		return configErrorResponse(c, &relay.ConfigError{Reason: "missing device"})
	}
	if req.PaymentID == "" {
		return c.JSON(http.StatusOK, &dto.AckResponse{OK: false})
	}

	ok, err := h.deviceService.Ack(ctx, relay.DeviceID(req.Device), req.PaymentID)
	switch {
	case errors.Is(err, relay.ErrAckUnsupported):
		return c.JSON(http.StatusOK, &dto.AckResponse{OK: false})
	case err != nil:
		return configErrorResponse(c, err)
	}

	if ok {
		h.logger.Info("event acknowledged", "device", req.Device, "payment_id", req.PaymentID)
	}
	return c.JSON(http.StatusOK, &dto.AckResponse{OK: ok})
}

func (h *DeviceHandler) Debug(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deviceService.Snapshot())
}

func (h *DeviceHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
