// Package publish exports telemetry to an MQTT broker. Publishing is a
// best-effort side channel; broker trouble never feeds back into monitoring.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/Waldmensch1/BatteryGuard/internal/config"
	"github.com/Waldmensch1/BatteryGuard/internal/monitor"
)

// connectTimeout bounds the initial broker connect; after that the paho
// client reconnects on its own.
const connectTimeout = 10 * time.Second

// client is the slice of mqtt.Client the publisher uses.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Payload is the JSON document published per device.
type Payload struct {
	Voltage     float64 `json:"voltage"`
	SOC         int     `json:"soc"`
	Temperature int     `json:"temperature"`
	Charge      string  `json:"charge"`
	RapidRise   uint16  `json:"rapid_rise"`
	RapidDrop   uint16  `json:"rapid_drop"`
	Timestamp   string  `json:"timestamp"`
}

// Publisher pushes device snapshots to the broker, at most one message per
// device per configured interval.
type Publisher struct {
	cfg    config.MQTT
	client client
	log    *logrus.Entry

	lastPublish map[string]time.Time
	discovered  map[string]bool

	now func() time.Time
}

// New connects to the broker and returns a ready publisher.
func New(cfg config.MQTT, logger *logrus.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout)

	log := logger.WithField("component", "mqtt")
	opts.OnConnect = func(mqtt.Client) { log.WithField("broker", cfg.Broker).Info("broker connected") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.WithError(err).Warn("broker connection lost") }

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		log.Warn("broker connect still pending, continuing in background")
	} else if err := token.Error(); err != nil {
		// Auto reconnect keeps retrying; a dead broker must not block startup.
		log.WithError(err).Warn("broker connect failed, will retry in background")
	}

	return newWithClient(cfg, c, log), nil
}

func newWithClient(cfg config.MQTT, c client, log *logrus.Entry) *Publisher {
	return &Publisher{
		cfg:         cfg,
		client:      c,
		log:         log,
		lastPublish: make(map[string]time.Time),
		discovered:  make(map[string]bool),
		now:         time.Now,
	}
}

// Run polls snapshots and publishes until the context is cancelled.
func (p *Publisher) Run(ctx context.Context, snapshots func() []monitor.Snapshot) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PublishAll(snapshots())
		}
	}
}

// PublishAll publishes every snapshot that is due. Devices that are not
// monitoring, or that have not decoded a reading yet, are skipped.
func (p *Publisher) PublishAll(snaps []monitor.Snapshot) {
	if !p.client.IsConnected() {
		return
	}
	for _, s := range snaps {
		p.publishOne(s)
	}
}

func (p *Publisher) publishOne(s monitor.Snapshot) {
	if !s.Connected || s.Reading.Voltage <= 0 {
		return
	}
	now := p.now()
	if last, ok := p.lastPublish[s.ExportName]; ok && now.Sub(last) < p.cfg.Interval {
		return
	}

	if p.cfg.HomeAssistant && !p.discovered[s.ExportName] {
		if err := p.announceDevice(s); err != nil {
			p.log.WithError(err).WithField("device", s.Name).Warn("discovery announce failed")
		} else {
			p.discovered[s.ExportName] = true
		}
	}

	topic := p.StateTopic(s.ExportName)
	body, err := json.Marshal(Payload{
		Voltage:     s.Reading.Voltage,
		SOC:         s.Reading.SOC,
		Temperature: s.Reading.Temperature,
		Charge:      s.Reading.Status.Export(),
		RapidRise:   s.Reading.RapidRise,
		RapidDrop:   s.Reading.RapidDrop,
		Timestamp:   s.LastUpdate.UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.log.WithError(err).Error("payload marshal")
		return
	}

	token := p.client.Publish(topic, 0, p.cfg.Retained, body)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		p.log.WithError(token.Error()).WithField("topic", topic).Warn("publish failed")
		return
	}
	p.lastPublish[s.ExportName] = now
	p.log.WithFields(logrus.Fields{"topic": topic, "voltage": s.Reading.Voltage}).Debug("published")
}

// StateTopic returns the telemetry topic for a device.
func (p *Publisher) StateTopic(exportName string) string {
	return fmt.Sprintf("%s/batteryguard/%s", p.cfg.Prefix, exportName)
}

// haSensor is one Home Assistant discovery config document.
type haSensor struct {
	Name          string   `json:"name"`
	UniqueID      string   `json:"unique_id"`
	StateTopic    string   `json:"state_topic"`
	Unit          string   `json:"unit_of_measurement,omitempty"`
	DeviceClass   string   `json:"device_class,omitempty"`
	ValueTemplate string   `json:"value_template"`
	Device        haDevice `json:"device"`
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
}

// announceDevice publishes retained Home Assistant discovery configs for the
// device's sensors. Sent once per device per process lifetime.
func (p *Publisher) announceDevice(s monitor.Snapshot) error {
	stateTopic := p.StateTopic(s.ExportName)
	device := haDevice{
		Identifiers:  []string{"batteryguard_" + s.ExportName},
		Name:         s.Name,
		Manufacturer: "Battery Guard",
	}

	sensors := []struct {
		field       string
		unit        string
		deviceClass string
	}{
		{"voltage", "V", "voltage"},
		{"soc", "%", "battery"},
		{"temperature", "°C", "temperature"},
		{"charge", "", ""},
	}

	for _, sensor := range sensors {
		cfg := haSensor{
			Name:          fmt.Sprintf("%s %s", s.Name, sensor.field),
			UniqueID:      fmt.Sprintf("batteryguard_%s_%s", s.ExportName, sensor.field),
			StateTopic:    stateTopic,
			Unit:          sensor.unit,
			DeviceClass:   sensor.deviceClass,
			ValueTemplate: fmt.Sprintf("{{ value_json.%s }}", sensor.field),
			Device:        device,
		}
		body, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		topic := fmt.Sprintf("homeassistant/sensor/batteryguard_%s_%s/config", s.ExportName, sensor.field)
		token := p.client.Publish(topic, 0, true, body)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			return token.Error()
		}
	}
	return nil
}
