package models

import (
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of the Application Relationship
// between the controller and one RTU.
type ConnectionState string

const (
	ConnectionOffline    ConnectionState = "OFFLINE"
	ConnectionDiscovery  ConnectionState = "DISCOVERY"
	ConnectionConnecting ConnectionState = "CONNECTING"
	ConnectionConnected  ConnectionState = "CONNECTED"
	ConnectionRunning    ConnectionState = "RUNNING"
	ConnectionError      ConnectionState = "ERROR"
	ConnectionDisconnect ConnectionState = "DISCONNECT"
)

// AuthorityState records which side currently drives actuator outputs.
type AuthorityState string

const (
	AuthorityAutonomous     AuthorityState = "AUTONOMOUS"
	AuthorityHandoffPending AuthorityState = "HANDOFF_PENDING"
	AuthoritySupervised     AuthorityState = "SUPERVISED"
	AuthorityReleasing      AuthorityState = "RELEASING"
)

// SlotType fixes the byte layout of a slot for the lifetime of a connection.
// The numeric value is what goes on the wire.
type SlotType uint8

const (
	SlotDAP      SlotType = 0
	SlotSensor   SlotType = 1
	SlotActuator SlotType = 2
)

func (t SlotType) String() string {
	switch t {
	case SlotDAP:
		return "dap"
	case SlotSensor:
		return "sensor"
	case SlotActuator:
		return "actuator"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known slot type.
func (t SlotType) Valid() bool {
	return t <= SlotActuator
}

// MarshalText encodes the slot type by name.
func (t SlotType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (t *SlotType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "dap":
		*t = SlotDAP
	case "sensor":
		*t = SlotSensor
	case "actuator":
		*t = SlotActuator
	default:
		return &UnknownSlotTypeError{Name: string(b)}
	}
	return nil
}

// UnknownSlotTypeError is returned when a slot type name cannot be parsed.
type UnknownSlotTypeError struct {
	Name string
}

func (e *UnknownSlotTypeError) Error() string {
	return "unknown slot type " + `"` + e.Name + `"`
}

// Quality is the quality byte carried with every sensor sample.
type Quality uint8

const (
	QualityGood         Quality = 0x00
	QualityUncertain    Quality = 0x40
	QualityBad          Quality = 0x80
	QualityNotConnected Quality = 0xC0
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "GOOD"
	case QualityUncertain:
		return "UNCERTAIN"
	case QualityBad:
		return "BAD"
	case QualityNotConnected:
		return "NOT_CONNECTED"
	default:
		return "INVALID"
	}
}

// Valid reports whether q is one of the four defined quality codes.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityUncertain, QualityBad, QualityNotConnected:
		return true
	}
	return false
}

// Command is the actuator command code.
type Command uint8

const (
	CommandOff Command = 0
	CommandOn  Command = 1
	CommandPWM Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandOff:
		return "OFF"
	case CommandOn:
		return "ON"
	case CommandPWM:
		return "PWM"
	default:
		return "INVALID"
	}
}

// Valid reports whether c is a known command code.
func (c Command) Valid() bool {
	return c <= CommandPWM
}

// ParseCommand accepts the names produced by String, in any case.
func ParseCommand(s string) (Command, bool) {
	switch strings.ToUpper(s) {
	case "OFF":
		return CommandOff, true
	case "ON":
		return CommandOn, true
	case "PWM":
		return CommandPWM, true
	}
	return 0, false
}

// SensorSample is one process value read from a sensor slot.
type SensorSample struct {
	Value   float32 `json:"value"`
	Quality Quality `json:"quality"`
}

// ActuatorOutput is the command written to an actuator slot.
type ActuatorOutput struct {
	Command Command `json:"command"`
	Duty    uint8   `json:"duty"`
}

// SlotSnapshot is the latest known data for one slot.
type SlotSnapshot struct {
	Index     int             `json:"index"`
	Type      SlotType        `json:"type"`
	Sensor    *SensorSample   `json:"sensor,omitempty"`
	Actuator  *ActuatorOutput `json:"actuator,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// RTU is a read-only snapshot of a registered remote terminal unit, as handed
// to the alarm engine, historian and API layers.
type RTU struct {
	StationName     string          `json:"station_name"`
	IPAddress       string          `json:"ip_address"`
	MACAddress      string          `json:"mac_address,omitempty"`
	VendorID        uint16          `json:"vendor_id"`
	DeviceID        uint16          `json:"device_id"`
	SlotCount       int             `json:"slot_count"`
	ConnectionState ConnectionState `json:"connection_state"`
	AuthorityState  AuthorityState  `json:"authority_state"`
	AuthorityEpoch  uint32          `json:"authority_epoch"`
	Slots           []SlotSnapshot  `json:"slots"`
	LastSeen        time.Time       `json:"last_seen,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Sensor returns the sample for slot, or false if the slot is not a sensor.
func (r RTU) Sensor(slot int) (SensorSample, bool) {
	if slot < 0 || slot >= len(r.Slots) || r.Slots[slot].Sensor == nil {
		return SensorSample{}, false
	}
	return *r.Slots[slot].Sensor, true
}

// Actuator returns the commanded output for slot, or false if the slot is
// not an actuator.
func (r RTU) Actuator(slot int) (ActuatorOutput, bool) {
	if slot < 0 || slot >= len(r.Slots) || r.Slots[slot].Actuator == nil {
		return ActuatorOutput{}, false
	}
	return *r.Slots[slot].Actuator, true
}
