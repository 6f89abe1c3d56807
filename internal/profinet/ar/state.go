package ar

import (
	"fmt"

	"github.com/HerbHall/pnvantage/pkg/models"
)

// trigger is an input to the connection state machine.
type trigger uint8

const (
	triggerConnect trigger = iota
	triggerResolved
	triggerAccepted
	triggerFirstInput
	triggerFault
	triggerRetry
	triggerDisconnect
	triggerReleased
)

func (t trigger) String() string {
	switch t {
	case triggerConnect:
		return "connect"
	case triggerResolved:
		return "resolved"
	case triggerAccepted:
		return "accepted"
	case triggerFirstInput:
		return "first_input"
	case triggerFault:
		return "fault"
	case triggerRetry:
		return "retry"
	case triggerDisconnect:
		return "disconnect"
	case triggerReleased:
		return "released"
	default:
		return "unknown"
	}
}

// transition is the connection state machine. Pairs not listed leave the
// state unchanged and return ErrInvalidState.
func transition(s models.ConnectionState, t trigger) (models.ConnectionState, error) {
	switch s {
	case models.ConnectionOffline:
		if t == triggerConnect {
			return models.ConnectionDiscovery, nil
		}
	case models.ConnectionDiscovery:
		switch t {
		case triggerResolved:
			return models.ConnectionConnecting, nil
		case triggerFault:
			return models.ConnectionError, nil
		case triggerDisconnect:
			return models.ConnectionDisconnect, nil
		}
	case models.ConnectionConnecting:
		switch t {
		case triggerAccepted:
			return models.ConnectionConnected, nil
		case triggerFault:
			return models.ConnectionError, nil
		case triggerDisconnect:
			return models.ConnectionDisconnect, nil
		}
	case models.ConnectionConnected:
		switch t {
		case triggerFirstInput:
			return models.ConnectionRunning, nil
		case triggerFault:
			return models.ConnectionError, nil
		case triggerDisconnect:
			return models.ConnectionDisconnect, nil
		}
	case models.ConnectionRunning:
		switch t {
		case triggerFault:
			return models.ConnectionError, nil
		case triggerDisconnect:
			return models.ConnectionDisconnect, nil
		}
	case models.ConnectionError:
		switch t {
		case triggerRetry:
			return models.ConnectionDiscovery, nil
		case triggerDisconnect:
			return models.ConnectionDisconnect, nil
		}
	case models.ConnectionDisconnect:
		if t == triggerReleased {
			return models.ConnectionOffline, nil
		}
	}
	return s, fmt.Errorf("%s in %s: %w", t, s, ErrInvalidState)
}

// allStates lists every connection state, for metrics.
var allStates = []string{
	string(models.ConnectionOffline),
	string(models.ConnectionDiscovery),
	string(models.ConnectionConnecting),
	string(models.ConnectionConnected),
	string(models.ConnectionRunning),
	string(models.ConnectionError),
	string(models.ConnectionDisconnect),
}
