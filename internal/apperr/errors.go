// Package apperr defines the error taxonomy shared by the provisioning and
// reconciliation paths.
package apperr

import (
	"errors"
	"fmt"
)

// ConfigError reports an operation that can never succeed as configured:
// an unknown tariff code or missing credentials. It is never retried.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// NewConfigError builds a ConfigError.
func NewConfigError(field, msg string) error {
	return &ConfigError{Field: field, Msg: msg}
}

// PanelError is returned when the VPN panel rejects a call after retries or
// answers with something that cannot be decoded.
type PanelError struct {
	Op     string
	Status int // HTTP status, 0 for transport or decode failures
	Err    error
}

func (e *PanelError) Error() string {
	msg := "panel " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PanelError) Unwrap() error { return e.Err }

// GatewayError is returned when the payment gateway is unreachable or returns
// a payload of unrecognized shape.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return "gateway " + e.Op
	}
	return "gateway " + e.Op + ": " + e.Err.Error()
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsConfig reports whether err is or wraps a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsPanel reports whether err is or wraps a PanelError.
func IsPanel(err error) bool {
	var pe *PanelError
	return errors.As(err, &pe)
}

// IsGateway reports whether err is or wraps a GatewayError.
func IsGateway(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
