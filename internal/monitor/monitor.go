// Package monitor implements the per-device connection state machine, the
// discovery matcher, the liveness supervisor, and the registry loop that
// drives them against the shared BLE transport.
package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Waldmensch1/BatteryGuard/internal/config"
	"github.com/Waldmensch1/BatteryGuard/internal/journal"
	"github.com/Waldmensch1/BatteryGuard/internal/protocol"
	"github.com/Waldmensch1/BatteryGuard/internal/transport"
)

// monitoringGrace suppresses liveness checks right after the handshake;
// the first notification can lag a little behind the final write.
const monitoringGrace = 2 * time.Second

// Snapshot is the read-only view of one monitor handed to the status view
// and the publisher. Copies are torn-read free.
type Snapshot struct {
	Index      int
	Name       string
	Address    string
	ExportName string
	Type       protocol.BatteryType
	State      State
	Connected  bool
	Reading    protocol.Reading
	LastUpdate time.Time
}

// Monitor owns one configured device: its transport handles, its state, and
// its latest reading. A monitor is created at startup and never destroyed.
//
// Field ownership: everything below mu is shared between the control loop,
// the notification goroutine, and snapshot readers. Everything else is owned
// by the control loop and must only be touched from registry ticks.
type Monitor struct {
	index   int
	cfg     *config.Device
	cipher  *protocol.Cipher
	log     *logrus.Entry
	journal *journal.Journal
	now     func() time.Time

	// control-loop-owned
	connectRetries int
	stateEnter     time.Time
	lastRetry      time.Time
	discoveredAddr string
	conn           transport.Conn
	writeChar      transport.Characteristic
	notifyChar     transport.Characteristic

	mu               sync.RWMutex
	state            State
	reading          protocol.Reading
	lastUpdate       time.Time
	lastNotification time.Time
}

func newMonitor(index int, cfg *config.Device, logger *logrus.Logger, jr *journal.Journal, now func() time.Time) (*Monitor, error) {
	cipher, err := protocol.NewCipher(cfg.KeyBytes())
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		index:   index,
		cfg:     cfg,
		cipher:  cipher,
		journal: jr,
		now:     now,
		state:   StateDisconnected,
		log: logger.WithFields(logrus.Fields{
			"device":  cfg.Name,
			"address": cfg.NormalizedAddress(),
		}),
	}
	m.log.WithField("type", cfg.Type.String()).Info("monitor initialized")
	return m, nil
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	m.stateEnter = m.now()
	if prev != s {
		m.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("state transition")
	}
}

// Snapshot returns a consistent copy of the public view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Index:      m.index,
		Name:       m.cfg.Name,
		Address:    m.cfg.NormalizedAddress(),
		ExportName: m.cfg.ExportName,
		Type:       m.cfg.Type,
		State:      m.state,
		Connected:  m.state == StateMonitoring,
		Reading:    m.reading,
		LastUpdate: m.lastUpdate,
	}
}

// handleNotification is the decode path registered with the transport. It
// runs on the transport's delivery goroutine; a malformed frame is dropped
// with a diagnostic and no state change.
func (m *Monitor) handleNotification(data []byte) {
	if len(data) != protocol.BlockSize {
		m.log.WithField("length", len(data)).Warn("dropping notification with invalid length")
		m.journal.Record(m.cfg.Name, journal.KindDecodeReject, "invalid length")
		return
	}

	plaintext, err := m.cipher.DecryptBlock(data)
	if err != nil {
		m.log.WithError(err).Warn("dropping undecryptable notification")
		m.journal.Record(m.cfg.Name, journal.KindDecodeReject, err.Error())
		return
	}

	reading, err := protocol.DecodeNotification(plaintext)
	if err != nil {
		m.log.WithError(err).Warn("dropping malformed notification")
		m.journal.Record(m.cfg.Name, journal.KindDecodeReject, err.Error())
		return
	}

	now := m.now()
	m.mu.Lock()
	m.reading = reading
	m.lastUpdate = now
	m.lastNotification = now
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"voltage": reading.Voltage,
		"soc":     reading.SOC,
		"temp":    reading.Temperature,
		"status":  reading.Status.Export(),
		"rise":    reading.RapidRise,
		"drop":    reading.RapidDrop,
	}).Info("telemetry")
}

// lastNotificationTime is read by the liveness supervisor on the loop
// goroutine while the notification goroutine may be writing.
func (m *Monitor) lastNotificationTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastNotification
}

func (m *Monitor) markMonitoring() {
	now := m.now()
	m.mu.Lock()
	m.state = StateMonitoring
	m.lastNotification = now
	m.mu.Unlock()
	m.stateEnter = now
}

// cleanup abandons any in-flight connection and returns the monitor to
// DISCONNECTED. The retry counter is left alone; callers decide whether the
// disconnect counts against it.
func (m *Monitor) cleanup() {
	if m.conn != nil {
		if err := m.conn.Disconnect(); err != nil {
			m.log.WithError(err).Debug("disconnect during cleanup")
		}
	}
	m.conn = nil
	m.writeChar = nil
	m.notifyChar = nil
	m.discoveredAddr = ""
	m.setState(StateDisconnected)
}

// eligibleForClaim reports whether the matcher may hand this monitor an
// advertisement: enabled, fully idle, and holding no live handle.
func (m *Monitor) eligibleForClaim() bool {
	return m.cfg.Enabled && m.State() == StateDisconnected && m.conn == nil
}
