// Package transport abstracts the shared BLE central. The monitor core only
// sees this contract; the go-ble implementation lives in ble.go and the tests
// drive the core with fakes.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/Waldmensch1/BatteryGuard/internal/ringchan"
)

// Battery Guard GATT identifiers.
const (
	ServiceUUID    = "0000fff0-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000fff3-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fff4-0000-1000-8000-00805f9b34fb"
)

// FamilyName is the advertised local name shared by all Battery Guard
// peripherals. Devices are told apart by address, not name.
const FamilyName = "Battery Guard"

var (
	ErrServiceNotFound        = errors.New("transport: service not found")
	ErrCharacteristicNotFound = errors.New("transport: characteristic not found")
	ErrNotifyUnsupported      = errors.New("transport: characteristic cannot notify")
)

// Advertisement is one observed BLE advertisement.
type Advertisement struct {
	// Address as reported by the controller, typically colon separated.
	Address string
	// Name is the advertised local name, empty if not broadcast.
	Name string
	RSSI int
	Seen time.Time
}

// Characteristic is an opaque handle to a remote GATT characteristic. Handles
// are only valid for the lifetime of the Conn that resolved them.
type Characteristic interface {
	UUID() string
	CanNotify() bool
}

// Conn is one established peripheral connection.
type Conn interface {
	// GetCharacteristic resolves a characteristic inside a service.
	// Returns ErrServiceNotFound or ErrCharacteristicNotFound when absent.
	GetCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Write issues a write-without-response of exactly one frame.
	Write(c Characteristic, data []byte) error
	// Subscribe registers fn for notifications. fn is invoked on the
	// transport's own goroutine; it must not block.
	Subscribe(c Characteristic, fn func(data []byte)) error
	// Disconnect tears the link down. Safe to call more than once.
	Disconnect() error
	// Disconnected is closed when the link is lost, locally or remotely.
	Disconnected() <-chan struct{}
}

// Transport is the shared BLE central. Only one connect attempt may be in
// flight at a time, and scanning and connecting never overlap; the registry
// serializes both.
type Transport interface {
	// StartScan begins a continuous scan. Advertisements are delivered on the
	// ring returned by Advertisements; the scanner never blocks on a slow
	// consumer.
	StartScan() error
	// StopScan stops the scan and waits for the scanner to wind down.
	StopScan() error
	IsScanning() bool
	Advertisements() *ringchan.Ring[Advertisement]

	// Connect dials the given address. The context bounds the attempt.
	Connect(ctx context.Context, address string) (Conn, error)

	// Close releases the controller.
	Close() error
}
