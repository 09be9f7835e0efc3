package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"qr-payment-relay/internal/dto"
	appmiddleware "qr-payment-relay/internal/middleware"
	"qr-payment-relay/internal/model"
	"qr-payment-relay/internal/relay"
	"qr-payment-relay/internal/service"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

type AdminHandler struct {
	credentialService service.CredentialService
	deviceService     service.DeviceService
	logger            *slog.Logger
}

func NewAdminHandler(
	credentialService service.CredentialService,
	deviceService service.DeviceService,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		credentialService: credentialService,
		deviceService:     deviceService,
		logger:            logger,
	}
}

func (h *AdminHandler) UpdateCredential(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CredentialRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	device := relay.DeviceID(c.Param("dev"))
	err := h.credentialService.UpdateTokens(ctx, device, &model.ProviderToken{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresIn:    req.ExpiresIn,
	})
	if err != nil {
		if relay.IsConfigError(err) {
			return configErrorResponse(c, err)
		}
		return err
	}
	h.logger.Info("device credential updated", "device", device, "by", appmiddleware.AdminSubject(c))

	return c.JSON(http.StatusOK, map[string]string{
		"status": "updated",
	})
}

func (h *AdminHandler) DeleteCredential(c echo.Context) error {
	ctx := c.Request().Context()

	device := relay.DeviceID(c.Param("dev"))
	err := h.credentialService.Disconnect(ctx, device)
	switch {
	case relay.IsConfigError(err):
		return configErrorResponse(c, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound)
	case err != nil:
		return err
	}
	h.logger.Info("device credential removed", "device", device, "by", appmiddleware.AdminSubject(c))

	return c.JSON(http.StatusOK, map[string]string{
		"status": "disconnected",
	})
}

func (h *AdminHandler) ListPayments(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.AuditRequest
	if err := queryBinder.BindQueryParams(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rows, err := h.deviceService.RecentPayments(ctx, req.Device, req.Limit)
	if err != nil {
		if relay.IsConfigError(err) {
			return configErrorResponse(c, err)
		}
		return err
	}

	out := make([]dto.AuditEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, dto.AuditEntry{
			Device:       row.Device,
			Product:      row.Product,
			Amount:       row.Amount,
			Currency:     row.Currency,
			PayerEmail:   row.PayerEmail,
			Status:       row.Status,
			PaymentID:    row.PaymentID,
			PreferenceID: row.PreferenceID,
			Token:        row.Token,
			Outcome:      row.Outcome,
			RecordedAt:   row.RecordedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
