// Package mqtt publishes alert payloads to an MQTT broker, one topic per
// alert category.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

// Config controls the broker connection and publish behavior.
type Config struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	QoS         byte // 0, 1 or 2
	RetryMax    int  // publish attempts per alert

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// NormalizeBrokerURL fills in the scheme's default port. Plain host:port
// strings get the mqtt scheme.
func NormalizeBrokerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("mqtt: broker url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "mqtt://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("mqtt: broker url: %w", err)
	}
	if u.Port() == "" {
		switch u.Scheme {
		case "mqtt", "tcp":
			u.Host = u.Host + ":1883"
		case "mqtts", "ssl", "tls":
			u.Host = u.Host + ":8883"
		}
	}
	return u.String(), nil
}

// Client is the slice of the paho client the sink uses.
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
}

type Sink struct {
	cfg    Config
	log    logx.Logger
	client Client
}

// New builds the sink with a paho client configured the usual way:
// auto-reconnect with backoff, 30s keep-alive.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	broker, err := NormalizeBrokerURL(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout)
	opts.OnConnect = func(paho.Client) {
		log.Info("mqtt connected", logx.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	}

	return &Sink{cfg: cfg, log: log, client: paho.NewClient(opts)}, nil
}

// NewWithClient injects a client (tests).
func NewWithClient(cfg Config, client Client, log logx.Logger) *Sink {
	applyDefaults(&cfg)
	return &Sink{cfg: cfg, log: log, client: client}
}

func applyDefaults(cfg *Config) {
	if cfg.ClientID == "" {
		cfg.ClientID = "hamclock-alertd"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hamclock/alerts"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
}

func (s *Sink) Name() string { return "mqtt" }

// Topic returns the publish topic for a category.
func (s *Sink) Topic(cat alert.Category) string {
	return s.cfg.TopicPrefix + "/" + string(cat)
}

// Start connects and holds the connection until ctx is done. The paho
// client owns reconnection from here on.
func (s *Sink) Start(ctx context.Context) error {
	tok := s.client.Connect()
	// ConnectRetry is on, so a dead broker keeps retrying in the
	// background rather than failing the sink.
	_ = tok.WaitTimeout(s.cfg.ConnectTimeout)
	if err := tok.Error(); err != nil {
		s.log.Warn("mqtt initial connect failed, retrying in background", logx.Err(err))
	}
	<-ctx.Done()
	s.client.Disconnect(250)
	return ctx.Err()
}

// Handle publishes the JSON payload for the alert, retrying a bounded
// number of times. Exhausted retries drop the alert with a log line.
func (s *Sink) Handle(ctx context.Context, e alert.Event) error {
	body, err := alert.Marshal(e)
	if err != nil {
		return err
	}
	topic := s.Topic(e.Category)

	var last error
	for attempt := 1; attempt <= s.cfg.RetryMax; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		tok := s.client.Publish(topic, s.cfg.QoS, false, body)
		if !tok.WaitTimeout(s.cfg.PublishTimeout) {
			last = errors.New("publish timed out")
			continue
		}
		if err := tok.Error(); err != nil {
			last = err
			continue
		}
		return nil
	}
	s.log.Warn("mqtt publish failed, dropping alert",
		logx.String("topic", topic),
		logx.String("alert_id", e.ID),
		logx.Err(last))
	return nil
}
