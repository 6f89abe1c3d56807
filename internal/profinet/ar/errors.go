package ar

import "errors"

// Connection and service errors.
var (
	ErrConnectTimeout  = errors.New("ar: connect timeout")
	ErrConnectRejected = errors.New("ar: connect rejected")
	ErrWatchdogExpired = errors.New("ar: watchdog expired")
	ErrAuthorityDenied = errors.New("ar: actuator authority not held")
	ErrInvalidState    = errors.New("ar: invalid state for operation")
	ErrUnknownDevice   = errors.New("ar: unknown device")
	ErrServiceRejected = errors.New("ar: service rejected by device")
	ErrRecordNotFound  = errors.New("ar: record not found")
)
