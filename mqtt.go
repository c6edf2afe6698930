package rtprx

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTConfig is the configuration for a GapPublisher.
type MQTTConfig struct {
	// BrokerURL, e.g. "tcp://localhost:1883".
	BrokerURL string `yaml:"broker_url"`

	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TopicPrefix is prepended to every topic, e.g. "radio/rx".
	TopicPrefix string `yaml:"topic_prefix"`

	QoS byte `yaml:"qos"`
}

// GapPublisher pushes discontinuity events and stats snapshots to an MQTT
// broker, so downstream recorders learn about holes in the stream without
// polling. Publishing is fire-and-forget; a slow broker never blocks the
// receive path.
type GapPublisher struct {
	config MQTTConfig
	client mqtt.Client
}

type gapMessage struct {
	SSRC                 uint32  `json:"ssrc"`
	FirstMissingSequence uint16  `json:"first_missing_sequence"`
	SampleCountLost      int64   `json:"sample_count_lost"`
	Source               string  `json:"source"`
	DetectedAt           float64 `json:"detected_at"`
}

// NewGapPublisher connects to the broker. The connection auto-reconnects;
// events raised while disconnected are dropped, not queued.
func NewGapPublisher(config MQTTConfig) (*GapPublisher, error) {
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("rtprx-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		Logger.WithField("broker", config.BrokerURL).Info("mqtt connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		Logger.WithError(err).Warn("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connecting to %s: timeout", config.BrokerURL)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", config.BrokerURL, err)
	}

	return &GapPublisher{
		config: config,
		client: client,
	}, nil
}

// PublishGap sends one discontinuity event to <prefix>/<ssrc>/gap.
func (p *GapPublisher) PublishGap(e GapEvent) {
	msg := gapMessage{
		SSRC:                 e.SSRC,
		FirstMissingSequence: e.FirstMissingSequence,
		SampleCountLost:      e.SampleCountLost,
		Source:               e.Source.String(),
		DetectedAt:           float64(e.DetectedAt.UnixNano()) / 1e9,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	topic := fmt.Sprintf("%s/%d/gap", p.config.TopicPrefix, e.SSRC)

	p.client.Publish(topic, p.config.QoS, false, payload)
}

// PublishStats sends a stats snapshot to <prefix>/<ssrc>/stats.
func (p *GapPublisher) PublishStats(ssrc uint32, stats Statistics) {
	payload, err := json.Marshal(stats)
	if err != nil {
		return
	}

	topic := fmt.Sprintf("%s/%d/stats", p.config.TopicPrefix, ssrc)

	p.client.Publish(topic, p.config.QoS, false, payload)
}

// Close disconnects from the broker, allowing in-flight messages a moment
// to drain.
func (p *GapPublisher) Close() {
	p.client.Disconnect(250)
}
