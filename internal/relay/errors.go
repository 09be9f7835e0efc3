package relay

import (
	"errors"
	"fmt"
)

var ErrAckUnsupported = errors.New("delivery policy does not support acknowledgements")

// UpstreamError reports a failed gateway call.
type UpstreamError struct {
	Op     string
	Device DeviceID
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("upstream %s for %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ValidationError reports a malformed or incomplete notification.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid notification: " + e.Reason
}

// MismatchError reports an approved payment that does not match the device's current intent.
type MismatchError struct {
	Device       DeviceID
	PaymentID    string
	Token        string
	PreferenceID string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("payment %s for %s does not match current intent (ref=%q pref=%q)",
		e.PaymentID, e.Device, e.Token, e.PreferenceID)
}

// ConfigError reports an unknown device or a missing catalog entry.
type ConfigError struct {
	Device DeviceID
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Device == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Device)
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
