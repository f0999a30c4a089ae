package monitor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Waldmensch1/BatteryGuard/internal/config"
	"github.com/Waldmensch1/BatteryGuard/internal/journal"
	"github.com/Waldmensch1/BatteryGuard/internal/protocol"
	"github.com/Waldmensch1/BatteryGuard/internal/ringchan"
	"github.com/Waldmensch1/BatteryGuard/internal/transport"
)

const (
	testKeyA = "6d91d2fd4ab37e7bc3561a37cdd6b298"
	testKeyB = "000102030405060708090a0b0c0d0e0f"
	addrA    = "50:54:7B:81:5A:FB"
	addrB    = "50:54:7B:81:5A:FC"
)

type fakeCharacteristic struct {
	uuid   string
	notify bool
}

func (c *fakeCharacteristic) UUID() string    { return c.uuid }
func (c *fakeCharacteristic) CanNotify() bool { return c.notify }

type fakeConn struct {
	writes       [][]byte
	notifyFn     func(data []byte)
	disconnected chan struct{}
	closed       bool

	missingWriteChar  bool
	missingNotifyChar bool
	subscribeErr      error
}

func newFakeConn() *fakeConn {
	return &fakeConn{disconnected: make(chan struct{})}
}

func (c *fakeConn) GetCharacteristic(serviceUUID, charUUID string) (transport.Characteristic, error) {
	if serviceUUID != transport.ServiceUUID {
		return nil, transport.ErrServiceNotFound
	}
	switch charUUID {
	case transport.WriteCharUUID:
		if c.missingWriteChar {
			return nil, transport.ErrCharacteristicNotFound
		}
		return &fakeCharacteristic{uuid: charUUID}, nil
	case transport.NotifyCharUUID:
		if c.missingNotifyChar {
			return nil, transport.ErrCharacteristicNotFound
		}
		return &fakeCharacteristic{uuid: charUUID, notify: true}, nil
	}
	return nil, transport.ErrCharacteristicNotFound
}

func (c *fakeConn) Write(_ transport.Characteristic, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, buf)
	return nil
}

func (c *fakeConn) Subscribe(_ transport.Characteristic, fn func(data []byte)) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.notifyFn = fn
	return nil
}

func (c *fakeConn) Disconnect() error {
	if !c.closed {
		c.closed = true
		close(c.disconnected)
	}
	return nil
}

func (c *fakeConn) Disconnected() <-chan struct{} { return c.disconnected }

// dropLink simulates a remote disconnect.
func (c *fakeConn) dropLink() {
	if !c.closed {
		c.closed = true
		close(c.disconnected)
	}
}

type fakeTransport struct {
	scanning   bool
	startCalls int
	stopCalls  int
	adverts    *ringchan.Ring[transport.Advertisement]

	conns   map[string]*fakeConn
	dialErr error
	dials   []string
	// scanningDuringDial records IsScanning at the moment Connect was called.
	scanningDuringDial []bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		adverts: ringchan.New[transport.Advertisement](16),
		conns:   make(map[string]*fakeConn),
	}
}

func (t *fakeTransport) StartScan() error {
	t.startCalls++
	t.scanning = true
	return nil
}

func (t *fakeTransport) StopScan() error {
	t.stopCalls++
	t.scanning = false
	return nil
}

func (t *fakeTransport) IsScanning() bool { return t.scanning }

func (t *fakeTransport) Advertisements() *ringchan.Ring[transport.Advertisement] {
	return t.adverts
}

func (t *fakeTransport) Connect(_ context.Context, address string) (transport.Conn, error) {
	t.dials = append(t.dials, address)
	t.scanningDuringDial = append(t.scanningDuringDial, t.scanning)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	conn, ok := t.conns[config.NormalizeAddress(address)]
	if !ok {
		return nil, errors.New("no such peripheral")
	}
	return conn, nil
}

func (t *fakeTransport) Close() error { return nil }

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig(devices ...config.Device) *config.Config {
	return &config.Config{
		Devices: devices,
		Timing: config.Timing{
			Tick:                100 * time.Millisecond,
			ConnectTimeout:      30 * time.Second,
			MaxConnectRetries:   3,
			RetryCooldown:       30 * time.Second,
			NotificationTimeout: 10 * time.Second,
		},
	}
}

func deviceA() config.Device {
	return config.Device{
		Address: addrA,
		Name:    "Main Battery",
		Type:    protocol.TypeAGM,
		Enabled: true,
		Key:     testKeyA,
	}
}

func deviceB() config.Device {
	return config.Device{
		Address: addrB,
		Name:    "Aux Battery",
		Type:    protocol.TypeLithium,
		Enabled: true,
		Key:     testKeyB,
	}
}

func newTestRegistry(t *testing.T, tr *fakeTransport, devices ...config.Device) (*Registry, *fakeClock) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := testConfig(devices...)
	require.NoError(t, cfg.Validate())

	r, err := NewRegistry(cfg, tr, logger, journal.New(64))
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	r.now = clock.Now
	r.sleep = func(time.Duration) {}
	return r, clock
}

func advertise(tr *fakeTransport, clock *fakeClock, address string) {
	tr.adverts.Send(transport.Advertisement{
		Address: address,
		Name:    transport.FamilyName,
		RSSI:    -60,
		Seen:    clock.Now(),
	})
}

// encryptedNotification builds the ciphertext a device with the given key
// would send for the given plaintext frame.
func encryptedNotification(t *testing.T, keyHex string, plaintext []byte) []byte {
	t.Helper()
	dev := deviceA()
	dev.Key = keyHex
	cipher, err := protocol.NewCipher(dev.KeyBytes())
	require.NoError(t, err)
	ct, err := cipher.EncryptBlock(plaintext)
	require.NoError(t, err)
	return ct
}

func TestDiscoveryToMonitoring(t *testing.T) {
	tr := newFakeTransport()
	conn := newFakeConn()
	tr.conns[config.NormalizeAddress(addrA)] = conn

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	require.NoError(t, tr.StartScan())
	advertise(tr, clock, addrA)
	r.Tick(context.Background())

	assert.Equal(t, StateMonitoring, m.State())
	assert.Equal(t, []string{addrA}, tr.dials)

	// Scan must be stopped before dialing.
	require.Len(t, tr.scanningDuringDial, 1)
	assert.False(t, tr.scanningDuringDial[0])

	// Six handshake frames, each one block of ciphertext that decrypts back
	// to the expected plaintext command.
	require.Len(t, conn.writes, 6)
	dev := deviceA()
	cipher, err := protocol.NewCipher(dev.KeyBytes())
	require.NoError(t, err)
	expected := protocol.HandshakeFrames(protocol.TypeAGM)
	for i, w := range conn.writes {
		pt, err := cipher.DecryptBlock(w)
		require.NoError(t, err)
		assert.Equal(t, expected[i], pt, "frame %d", i)
	}

	// A telemetry notification lands in the snapshot.
	require.NotNil(t, conn.notifyFn)
	frame := []byte{0xD1, 0x55, 0x00, 0x00, 23, 0x02, 59, 0x04, 0xB0, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	conn.notifyFn(encryptedNotification(t, testKeyA, frame))

	snap := m.Snapshot()
	assert.True(t, snap.Connected)
	assert.InDelta(t, 12.00, snap.Reading.Voltage, 0.001)
	assert.Equal(t, 59, snap.Reading.SOC)
	assert.Equal(t, 23, snap.Reading.Temperature)
	assert.Equal(t, protocol.StatusCharging, snap.Reading.Status)
	assert.EqualValues(t, 0, snap.Reading.RapidRise)
	assert.EqualValues(t, 2, snap.Reading.RapidDrop)
}

func TestRetryExhaustionEntersCooldownOnce(t *testing.T) {
	tr := newFakeTransport()
	tr.dialErr = errors.New("peripheral went dark")

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	for attempt := 1; attempt <= 3; attempt++ {
		advertise(tr, clock, addrA)
		r.Tick(context.Background())
		if attempt < 3 {
			assert.Equal(t, StateDisconnected, m.State(), "attempt %d", attempt)
		}
	}

	assert.Equal(t, StateCooldown, m.State())
	assert.Len(t, tr.dials, 3)

	// Advertisements during cooldown are ignored.
	advertise(tr, clock, addrA)
	r.Tick(context.Background())
	assert.Equal(t, StateCooldown, m.State())
	assert.Len(t, tr.dials, 3)

	// Not a second early.
	clock.Advance(r.timing.RetryCooldown - time.Millisecond)
	r.Tick(context.Background())
	assert.Equal(t, StateCooldown, m.State())

	// Expiry resets the budget and the device is discoverable again.
	clock.Advance(time.Millisecond)
	r.Tick(context.Background())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Zero(t, m.connectRetries)

	tr.dialErr = nil
	tr.conns[config.NormalizeAddress(addrA)] = newFakeConn()
	advertise(tr, clock, addrA)
	r.Tick(context.Background())
	assert.Equal(t, StateMonitoring, m.State())
}

func TestMissingCharacteristicCountsAgainstRetries(t *testing.T) {
	tr := newFakeTransport()
	conn := newFakeConn()
	conn.missingNotifyChar = true
	tr.conns[config.NormalizeAddress(addrA)] = conn

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	advertise(tr, clock, addrA)
	r.Tick(context.Background())

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, m.connectRetries)
	assert.True(t, conn.closed, "failed attempt must tear the link down")
}

func TestLivenessTimeoutForcesReconnect(t *testing.T) {
	tr := newFakeTransport()
	conn := newFakeConn()
	tr.conns[config.NormalizeAddress(addrA)] = conn

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	advertise(tr, clock, addrA)
	r.Tick(context.Background())
	require.Equal(t, StateMonitoring, m.State())

	// Inside the post-handshake grace nothing fires even though no telemetry
	// has arrived yet.
	clock.Advance(monitoringGrace - time.Millisecond)
	r.Tick(context.Background())
	assert.Equal(t, StateMonitoring, m.State())

	// Telemetry keeps the link alive.
	clock.Advance(5 * time.Second)
	frame := []byte{0xD1, 0x55, 0x00, 0x00, 20, 0x01, 80, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	conn.notifyFn(encryptedNotification(t, testKeyA, frame))
	clock.Advance(r.timing.NotificationTimeout - time.Second)
	r.Tick(context.Background())
	assert.Equal(t, StateMonitoring, m.State())

	// Silence past the timeout tears the link down exactly once.
	clock.Advance(2 * time.Second)
	r.Tick(context.Background())
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, conn.closed)
	assert.Zero(t, m.connectRetries, "liveness teardown is not a connect failure")
}

func TestRemoteDisconnectReturnsToDiscovery(t *testing.T) {
	tr := newFakeTransport()
	conn := newFakeConn()
	tr.conns[config.NormalizeAddress(addrA)] = conn

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	advertise(tr, clock, addrA)
	r.Tick(context.Background())
	require.Equal(t, StateMonitoring, m.State())

	conn.dropLink()
	r.Tick(context.Background())
	assert.Equal(t, StateDisconnected, m.State())

	// The loop resumes scanning so the device can be rediscovered.
	r.Tick(context.Background())
	assert.True(t, tr.IsScanning())
}

func TestMatcherClaimsByAddressInTableOrder(t *testing.T) {
	tr := newFakeTransport()
	tr.conns[config.NormalizeAddress(addrB)] = newFakeConn()

	r, clock := newTestRegistry(t, tr, deviceA(), deviceB())
	monA, monB := r.Monitors()[0], r.Monitors()[1]

	// An advertisement from an unconfigured address claims nobody.
	advertise(tr, clock, "AA:BB:CC:DD:EE:FF")
	r.Tick(context.Background())
	assert.Equal(t, StateDisconnected, monA.State())
	assert.Equal(t, StateDisconnected, monB.State())
	assert.Empty(t, tr.dials)

	// The second table entry is claimed only by its own address.
	advertise(tr, clock, addrB)
	r.Tick(context.Background())
	assert.Equal(t, StateDisconnected, monA.State())
	assert.Equal(t, StateMonitoring, monB.State())
	assert.Equal(t, []string{addrB}, tr.dials)
}

func TestOneClaimPerTick(t *testing.T) {
	tr := newFakeTransport()
	tr.conns[config.NormalizeAddress(addrA)] = newFakeConn()
	tr.conns[config.NormalizeAddress(addrB)] = newFakeConn()

	r, clock := newTestRegistry(t, tr, deviceA(), deviceB())
	monA, monB := r.Monitors()[0], r.Monitors()[1]

	// Both devices advertise in the same tick; only one connect happens.
	advertise(tr, clock, addrA)
	advertise(tr, clock, addrB)
	r.Tick(context.Background())
	assert.Equal(t, StateMonitoring, monA.State())
	assert.Equal(t, StateDisconnected, monB.State())
	assert.Len(t, tr.dials, 1)

	// The second device is picked up on a later advertisement.
	advertise(tr, clock, addrB)
	r.Tick(context.Background())
	assert.Equal(t, StateMonitoring, monB.State())
	assert.Len(t, tr.dials, 2)
}

func TestStaleAdvertisementsIgnored(t *testing.T) {
	tr := newFakeTransport()
	tr.conns[config.NormalizeAddress(addrA)] = newFakeConn()

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	tr.adverts.Send(transport.Advertisement{
		Address: addrA,
		Name:    transport.FamilyName,
		Seen:    clock.Now().Add(-10 * time.Second),
	})
	r.Tick(context.Background())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, tr.dials)
}

func TestForeignNamesIgnored(t *testing.T) {
	tr := newFakeTransport()
	tr.conns[config.NormalizeAddress(addrA)] = newFakeConn()

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	tr.adverts.Send(transport.Advertisement{
		Address: addrA,
		Name:    "Some Other Gadget",
		Seen:    clock.Now(),
	})
	r.Tick(context.Background())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, tr.dials)
}

func TestMalformedNotificationKeepsLastReading(t *testing.T) {
	tr := newFakeTransport()
	conn := newFakeConn()
	tr.conns[config.NormalizeAddress(addrA)] = conn

	r, clock := newTestRegistry(t, tr, deviceA())
	m := r.Monitors()[0]

	advertise(tr, clock, addrA)
	r.Tick(context.Background())
	require.Equal(t, StateMonitoring, m.State())

	good := []byte{0xD1, 0x55, 0x00, 0x01, 5, 0x01, 42, 0x04, 0xD2, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	conn.notifyFn(encryptedNotification(t, testKeyA, good))
	before := m.Snapshot().Reading

	// Wrong length, wrong header, undecodable garbage: all dropped.
	conn.notifyFn([]byte{0x01, 0x02, 0x03})
	bad := make([]byte, 16)
	conn.notifyFn(encryptedNotification(t, testKeyA, bad))
	conn.notifyFn(make([]byte, 16))

	after := m.Snapshot()
	assert.Equal(t, before, after.Reading)
	assert.Equal(t, StateMonitoring, after.State)
	assert.Equal(t, -5, after.Reading.Temperature)
	assert.InDelta(t, 12.34, after.Reading.Voltage, 0.001)
}

func TestDisabledDevicesGetNoMonitor(t *testing.T) {
	devB := deviceB()
	devB.Enabled = false

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := testConfig(deviceA(), devB)
	require.NoError(t, cfg.Validate())

	r, err := NewRegistry(cfg, newFakeTransport(), logger, journal.New(16))
	require.NoError(t, err)
	require.Len(t, r.Monitors(), 1)
	assert.Equal(t, "Main Battery", r.Monitors()[0].Snapshot().Name)
}
