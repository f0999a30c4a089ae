package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/sirupsen/logrus"

	"github.com/Waldmensch1/BatteryGuard/internal/ringchan"
)

// DeviceFactory creates the ble.Device (swappable in tests).
var DeviceFactory = func(scanInterval, scanWindow uint16) (ble.Device, error) {
	return linux.NewDevice(ble.OptScanParams(cmd.LESetScanParameters{
		LEScanType:           0x01, // active scan, peripherals only name themselves in scan responses
		LEScanInterval:       scanInterval,
		LEScanWindow:         scanWindow,
		OwnAddressType:       0x00,
		ScanningFilterPolicy: 0x00,
	}))
}

// BLETransport drives a single HCI controller through go-ble.
type BLETransport struct {
	dev    ble.Device
	logger *logrus.Logger

	adverts *ringchan.Ring[Advertisement]
	seen    *SeenCache

	mu       sync.Mutex
	scanStop context.CancelFunc
	scanDone chan struct{}
}

// NewBLE opens the controller and prepares the advertisement ring.
func NewBLE(scanInterval, scanWindow uint16, logger *logrus.Logger) (*BLETransport, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory(scanInterval, scanWindow)
	if err != nil {
		return nil, fmt.Errorf("transport: open BLE device: %w", err)
	}

	return &BLETransport{
		dev:     dev,
		logger:  logger,
		adverts: ringchan.New[Advertisement](64),
		seen:    NewSeenCache(),
	}, nil
}

// Advertisements returns the ring the scan goroutine feeds.
func (t *BLETransport) Advertisements() *ringchan.Ring[Advertisement] {
	return t.adverts
}

// Seen returns the last-seen cache of family advertisements.
func (t *BLETransport) Seen() *SeenCache {
	return t.seen
}

// StartScan launches the continuous scan goroutine. No-op when already
// scanning.
func (t *BLETransport) StartScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scanStop != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.scanStop = cancel
	t.scanDone = done

	t.logger.Debug("starting BLE scan")
	go func() {
		defer close(done)
		err := t.dev.Scan(ctx, false, t.handleAdvertisement)
		if err != nil && ctx.Err() == nil {
			t.logger.WithError(err).Warn("BLE scan terminated unexpectedly")
		}
		// Mark the scan as stopped so the control loop restarts it on the
		// next reconcile, whether it ended by cancel or by error.
		t.mu.Lock()
		if t.scanDone == done {
			t.scanStop = nil
			t.scanDone = nil
		}
		t.mu.Unlock()
	}()
	return nil
}

// StopScan cancels the scan and waits for the scanner goroutine to exit, so
// a following connect never races the controller's scan state.
func (t *BLETransport) StopScan() error {
	t.mu.Lock()
	stop := t.scanStop
	done := t.scanDone
	t.scanStop = nil
	t.scanDone = nil
	t.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.logger.Warn("timed out waiting for BLE scan to stop")
	}
	return nil
}

// IsScanning reports whether the scan goroutine is live.
func (t *BLETransport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanStop != nil
}

func (t *BLETransport) handleAdvertisement(a ble.Advertisement) {
	adv := Advertisement{
		Address: a.Addr().String(),
		Name:    a.LocalName(),
		RSSI:    a.RSSI(),
		Seen:    time.Now(),
	}
	if adv.Name == FamilyName {
		t.seen.Mark(adv.Address, adv.Seen)
	}
	if t.adverts.Send(adv) {
		t.logger.Debug("advertisement ring full, dropped oldest")
	}
}

// Connect dials the address and discovers the GATT profile. The controller
// must not be scanning; the registry guarantees that ordering.
func (t *BLETransport) Connect(ctx context.Context, address string) (Conn, error) {
	client, err := t.dev.Dial(ctx, ble.NewAddr(colonize(address)))
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("transport: discover profile: %w", err)
	}

	return &bleConn{client: client, profile: profile}, nil
}

// Close stops scanning and releases the controller.
func (t *BLETransport) Close() error {
	_ = t.StopScan()
	return t.dev.Stop()
}

// colonize renders a separator-less MAC in the aa:bb:cc:dd:ee:ff form go-ble
// expects. Already-separated input is passed through.
func colonize(address string) string {
	if strings.Contains(address, ":") {
		return strings.ToLower(address)
	}
	var b strings.Builder
	for i := 0; i < len(address); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(address) {
			end = len(address)
		}
		b.WriteString(strings.ToLower(address[i:end]))
	}
	return b.String()
}

// bleConn wraps one go-ble client and its discovered profile.
type bleConn struct {
	client  ble.Client
	profile *ble.Profile

	mu     sync.Mutex
	closed bool
}

type bleCharacteristic struct {
	char *ble.Characteristic
}

func (c *bleCharacteristic) UUID() string {
	return c.char.UUID.String()
}

func (c *bleCharacteristic) CanNotify() bool {
	return c.char.Property&ble.CharNotify != 0
}

func (c *bleConn) GetCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("transport: parse service uuid: %w", err)
	}
	chUUID, err := ble.Parse(charUUID)
	if err != nil {
		return nil, fmt.Errorf("transport: parse characteristic uuid: %w", err)
	}

	for _, svc := range c.profile.Services {
		if !svc.UUID.Equal(svcUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			if char.UUID.Equal(chUUID) {
				return &bleCharacteristic{char: char}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s in %s", ErrCharacteristicNotFound, charUUID, serviceUUID)
	}
	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID)
}

func (c *bleConn) Write(ch Characteristic, data []byte) error {
	bc, ok := ch.(*bleCharacteristic)
	if !ok {
		return fmt.Errorf("transport: foreign characteristic handle")
	}
	if err := c.client.WriteCharacteristic(bc.char, data, true); err != nil {
		return fmt.Errorf("transport: write %s: %w", ch.UUID(), err)
	}
	return nil
}

func (c *bleConn) Subscribe(ch Characteristic, fn func(data []byte)) error {
	bc, ok := ch.(*bleCharacteristic)
	if !ok {
		return fmt.Errorf("transport: foreign characteristic handle")
	}
	if !bc.CanNotify() {
		return fmt.Errorf("%w: %s", ErrNotifyUnsupported, ch.UUID())
	}
	if err := c.client.Subscribe(bc.char, false, func(data []byte) {
		fn(data)
	}); err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", ch.UUID(), err)
	}
	return nil
}

func (c *bleConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.client.CancelConnection()
}

func (c *bleConn) Disconnected() <-chan struct{} {
	return c.client.Disconnected()
}
