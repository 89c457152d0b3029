// Package ble discovers IMBLE peripherals, establishes connections to
// them and exchanges framed messages over their GATT characteristics.
// Platform specifics live behind the Adapter contract so the discovery
// and session logic can be exercised against fakes.
package ble

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/event"
)

// IMBLE GATT identifiers.
var (
	ServiceUUID             = uuid.MustParse("ada99a7f-888b-4e9f-8080-07ddc240f3ce")
	ReadCharacteristicUUID  = uuid.MustParse("ada99a7f-888b-4e9f-8081-07ddc240f3ce")
	WriteCharacteristicUUID = uuid.MustParse("ada99a7f-888b-4e9f-8082-07ddc240f3ce")
)

// Advertisement is one advertising report delivered by the platform.
type Advertisement struct {
	Address      Address
	ScanResponse bool
	Payload      []byte // raw AD bytes; nil if the platform does not expose them
	Sections     []protocol.Section
	LocalName    string
	RSSI         int16
	Timestamp    time.Time
}

// ScanMode selects passive or active scanning.
type ScanMode int

const (
	ScanPassive ScanMode = iota
	// ScanActive requests scan responses from advertisers.
	ScanActive
)

// Scanner delivers advertising reports.
type Scanner interface {
	// Advertisements is the stream of reports seen while scanning.
	Advertisements() event.Source[Advertisement]
	// StartScan begins scanning. Calling it while scanning is a no-op.
	StartScan(mode ScanMode) error
	// StopScan ends scanning. Calling it while stopped is a no-op.
	StopScan() error
	// Scanning reports whether a scan is in progress.
	Scanning() bool
}

// DeviceInfo identifies a peripheral known to the operating system.
type DeviceInfo struct {
	ID      string // platform device id, used to open the device
	Address Address
	Name    string
	Paired  bool
}

// PairingStatus is the outcome of a pairing request.
type PairingStatus int

const (
	PairingPaired PairingStatus = iota
	PairingAlreadyPaired
	PairingRejected
	PairingCanceled
	PairingTimeout
	PairingFailed
)

func (s PairingStatus) String() string {
	switch s {
	case PairingPaired:
		return "paired"
	case PairingAlreadyPaired:
		return "already paired"
	case PairingRejected:
		return "rejected"
	case PairingCanceled:
		return "canceled"
	case PairingTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// DeviceWatcher reports devices as the operating system registers them.
type DeviceWatcher interface {
	Added() event.Source[DeviceInfo]
	Start() error
	Stop() error
}

// Adapter abstracts the platform Bluetooth stack.
type Adapter interface {
	Scanner
	// DeviceInfo resolves what the OS knows about the device at addr.
	DeviceInfo(ctx context.Context, addr Address) (DeviceInfo, error)
	// Pair pairs with the device using no extra protection level.
	Pair(ctx context.Context, info DeviceInfo) (PairingStatus, error)
	// Unpair removes the OS pairing for the device with the given id.
	Unpair(ctx context.Context, id string) error
	// WatchDevices creates a watch restricted to addr. It is not started.
	WatchDevices(addr Address) DeviceWatcher
	// OpenDevice opens the device with the given id.
	OpenDevice(ctx context.Context, id string) (Device, error)
	// PairedDevices lists paired devices exposing the given service.
	PairedDevices(ctx context.Context, service uuid.UUID) ([]DeviceInfo, error)
}

// ConnectionStatus is the low-level link state of a device.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connected
)

func (s ConnectionStatus) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Device is an opened peripheral handle.
type Device interface {
	ID() string
	ConnectionStatus() ConnectionStatus
	ConnectionStatusChanged() event.Source[ConnectionStatus]
	// ServicesChanged fires when GATT service enumeration changes.
	ServicesChanged() event.Source[struct{}]
	// Service returns the service with the given UUID, or nil with a nil
	// error while services are still being enumerated.
	Service(ctx context.Context, id uuid.UUID) (Service, error)
	// Close releases the handle.
	Close() error
}

// Service is a GATT service on an opened device.
type Service interface {
	UUID() uuid.UUID
	Characteristics(ctx context.Context, id uuid.UUID) ([]Characteristic, error)
}

// CCCD is a client characteristic configuration descriptor value.
type CCCD uint16

const (
	CCCDNotify   CCCD = 0x0001
	CCCDIndicate CCCD = 0x0002
)

// WriteMode selects acknowledged or unacknowledged writes.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// Notification is a raw value pushed by the peripheral.
type Notification struct {
	Value     []byte
	Timestamp time.Time
}

// Characteristic is a GATT characteristic.
type Characteristic interface {
	UUID() uuid.UUID
	ValueChanged() event.Source[Notification]
	ReadCCCD(ctx context.Context) (CCCD, error)
	WriteCCCD(ctx context.Context, v CCCD) error
	Write(ctx context.Context, data []byte, mode WriteMode) error
}
