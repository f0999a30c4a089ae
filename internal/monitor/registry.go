package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Waldmensch1/BatteryGuard/internal/config"
	"github.com/Waldmensch1/BatteryGuard/internal/journal"
	"github.com/Waldmensch1/BatteryGuard/internal/protocol"
	"github.com/Waldmensch1/BatteryGuard/internal/transport"
)

const (
	// preHandshakeDelay gives the peripheral time to settle after service
	// discovery before the first encrypted write.
	preHandshakeDelay = 100 * time.Millisecond
	// interWriteDelay paces consecutive handshake writes; the firmware drops
	// frames written back to back.
	interWriteDelay = 50 * time.Millisecond
	// advertMaxAge discards stale advertisements left in the ring while the
	// loop was busy connecting.
	advertMaxAge = 2 * time.Second
)

// Registry drives all monitors against the shared transport. One goroutine,
// one tick at a time: the matcher claims at most one advertisement per tick,
// at most one connect attempt is in flight, and scanning never overlaps a
// connect.
type Registry struct {
	tr       transport.Transport
	timing   config.Timing
	log      *logrus.Entry
	journal  *journal.Journal
	monitors []*Monitor

	// injected for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewRegistry builds one monitor per enabled device, in table order.
func NewRegistry(cfg *config.Config, tr transport.Transport, logger *logrus.Logger, jr *journal.Journal) (*Registry, error) {
	r := &Registry{
		tr:      tr,
		timing:  cfg.Timing,
		log:     logger.WithField("component", "registry"),
		journal: jr,
		now:     time.Now,
		sleep:   time.Sleep,
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if !d.Enabled {
			continue
		}
		m, err := newMonitor(i, d, logger, jr, func() time.Time { return r.now() })
		if err != nil {
			return nil, fmt.Errorf("monitor: device %q: %w", d.Name, err)
		}
		r.monitors = append(r.monitors, m)
	}
	if len(r.monitors) == 0 {
		return nil, fmt.Errorf("monitor: no enabled devices")
	}
	return r, nil
}

// Monitors returns the monitor table in claim-priority order.
func (r *Registry) Monitors() []*Monitor {
	return r.monitors
}

// Snapshots returns the current view of every monitor.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, len(r.monitors))
	for i, m := range r.monitors {
		out[i] = m.Snapshot()
	}
	return out
}

// Run executes the control loop until the context is cancelled. All state
// transitions happen here.
func (r *Registry) Run(ctx context.Context) error {
	r.log.WithField("devices", len(r.monitors)).Info("control loop starting")
	if err := r.tr.StartScan(); err != nil {
		return fmt.Errorf("monitor: initial scan: %w", err)
	}

	ticker := time.NewTicker(r.timing.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

func (r *Registry) shutdown() {
	r.log.Info("control loop stopping")
	if err := r.tr.StopScan(); err != nil {
		r.log.WithError(err).Debug("stop scan on shutdown")
	}
	for _, m := range r.monitors {
		if m.conn != nil {
			m.cleanup()
		}
	}
}

// Tick runs one iteration of the control loop: drain and match
// advertisements, advance every monitor, then reconcile the scanner.
func (r *Registry) Tick(ctx context.Context) {
	r.matchAdvertisements()

	attempted := false
	for _, m := range r.monitors {
		switch m.State() {
		case StateScanning:
			if attempted {
				continue // one connect attempt per tick
			}
			attempted = true
			r.attemptConnect(ctx, m)

		case StateCooldown:
			if r.now().Sub(m.lastRetry) >= r.timing.RetryCooldown {
				m.connectRetries = 0
				m.log.Info("cooldown expired, device eligible again")
				m.setState(StateDisconnected)
			}

		case StateMonitoring:
			r.superviseLink(m)
		}
	}

	r.reconcileScan(attempted)
}

// matchAdvertisements drains the advertisement ring and claims at most one
// monitor. Lowest table index wins; a claim is only made while no monitor is
// between claim and established link.
func (r *Registry) matchAdvertisements() {
	for {
		adv, ok := r.tr.Advertisements().TryReceive()
		if !ok {
			return
		}
		if r.now().Sub(adv.Seen) > advertMaxAge {
			continue
		}
		if adv.Name != transport.FamilyName {
			continue
		}
		if r.claimInFlight() {
			continue
		}

		addr := config.NormalizeAddress(adv.Address)
		for _, m := range r.monitors {
			if !m.eligibleForClaim() || m.cfg.NormalizedAddress() != addr {
				continue
			}
			m.discoveredAddr = adv.Address
			m.setState(StateScanning)
			m.log.WithField("rssi", adv.RSSI).Info("device discovered")
			r.journal.Record(m.cfg.Name, journal.KindClaim, fmt.Sprintf("rssi %d", adv.RSSI))
			break
		}
	}
}

func (r *Registry) claimInFlight() bool {
	for _, m := range r.monitors {
		if s := m.State(); s == StateScanning || s == StateConnecting || s == StateHandshake {
			return true
		}
	}
	return false
}

// attemptConnect performs the full claim-to-monitoring sequence for one
// monitor: connect, resolve characteristics, subscribe, then the encrypted
// handshake. Any failure before the subscription is established counts
// against the retry budget.
func (r *Registry) attemptConnect(ctx context.Context, m *Monitor) {
	if err := r.tr.StopScan(); err != nil {
		m.log.WithError(err).Warn("stop scan before connect")
	}

	m.setState(StateConnecting)
	addr := m.discoveredAddr
	if addr == "" {
		addr = m.cfg.Address
	}
	m.log.Info("connecting")

	dialCtx, cancel := context.WithTimeout(ctx, r.timing.ConnectTimeout)
	conn, err := r.tr.Connect(dialCtx, addr)
	cancel()
	if err != nil {
		r.connectFailed(m, fmt.Errorf("dial: %w", err))
		return
	}

	writeChar, err := conn.GetCharacteristic(transport.ServiceUUID, transport.WriteCharUUID)
	if err != nil {
		conn.Disconnect()
		r.connectFailed(m, fmt.Errorf("write characteristic: %w", err))
		return
	}
	notifyChar, err := conn.GetCharacteristic(transport.ServiceUUID, transport.NotifyCharUUID)
	if err != nil {
		conn.Disconnect()
		r.connectFailed(m, fmt.Errorf("notify characteristic: %w", err))
		return
	}
	if err := conn.Subscribe(notifyChar, m.handleNotification); err != nil {
		conn.Disconnect()
		r.connectFailed(m, fmt.Errorf("subscribe: %w", err))
		return
	}

	m.conn = conn
	m.writeChar = writeChar
	m.notifyChar = notifyChar
	m.connectRetries = 0
	m.log.Info("connected, subscribed to telemetry")
	r.journal.Record(m.cfg.Name, journal.KindConnect, "")

	r.handshake(m)
}

// handshake writes the six-frame arm sequence. Write failures are logged and
// skipped rather than aborting; the device either starts notifying or the
// liveness supervisor reconnects it.
func (r *Registry) handshake(m *Monitor) {
	m.setState(StateHandshake)
	r.sleep(preHandshakeDelay)

	frames := protocol.HandshakeFrames(m.cfg.Type)
	for i, plaintext := range frames {
		ciphertext, err := m.cipher.EncryptBlock(plaintext)
		if err != nil {
			m.log.WithError(err).WithField("frame", i).Warn("handshake frame encrypt failed")
			continue
		}
		if err := m.conn.Write(m.writeChar, ciphertext); err != nil {
			m.log.WithError(err).WithField("frame", i).Warn("handshake frame write failed")
		}
		if i < len(frames)-1 {
			r.sleep(interWriteDelay)
		}
	}

	m.log.WithField("frames", len(frames)).Info("handshake complete, monitoring")
	r.journal.Record(m.cfg.Name, journal.KindHandshake, fmt.Sprintf("%d writes", len(frames)))
	m.markMonitoring()
}

func (r *Registry) connectFailed(m *Monitor, err error) {
	m.connectRetries++
	m.log.WithError(err).WithFields(logrus.Fields{
		"attempt": m.connectRetries,
		"max":     r.timing.MaxConnectRetries,
	}).Warn("connect attempt failed")
	r.journal.Record(m.cfg.Name, journal.KindConnectFailed, err.Error())

	m.conn = nil
	m.writeChar = nil
	m.notifyChar = nil
	m.discoveredAddr = ""

	if m.connectRetries >= r.timing.MaxConnectRetries {
		m.lastRetry = r.now()
		m.setState(StateCooldown)
		m.log.WithField("cooldown", r.timing.RetryCooldown).Warn("retries exhausted, entering cooldown")
		r.journal.Record(m.cfg.Name, journal.KindCooldown, r.timing.RetryCooldown.String())
		return
	}
	m.setState(StateDisconnected)
}

// superviseLink watches an established link for remote disconnects and for
// telemetry going silent. A short grace after the handshake covers the gap
// before the first notification.
func (r *Registry) superviseLink(m *Monitor) {
	select {
	case <-m.conn.Disconnected():
		m.log.Warn("link lost")
		r.journal.Record(m.cfg.Name, journal.KindDisconnect, "")
		m.cleanup()
		return
	default:
	}

	now := r.now()
	if now.Sub(m.stateEnter) < monitoringGrace {
		return
	}
	if silent := now.Sub(m.lastNotificationTime()); silent > r.timing.NotificationTimeout {
		m.log.WithField("silent", silent.Round(time.Millisecond)).Warn("no telemetry, forcing reconnect")
		r.journal.Record(m.cfg.Name, journal.KindTimeout, fmt.Sprintf("silent for %s", silent.Round(time.Second)))
		m.cleanup()
	}
}

// reconcileScan restarts scanning when any monitor still needs discovery and
// nothing else owns the radio this tick.
func (r *Registry) reconcileScan(attempted bool) {
	if attempted || r.tr.IsScanning() {
		return
	}
	for _, m := range r.monitors {
		if m.State() == StateDisconnected {
			if err := r.tr.StartScan(); err != nil {
				r.log.WithError(err).Warn("restart scan")
			}
			return
		}
	}
}
