// Package mqttconn wraps the paho MQTT client behind the small surface
// the forwarder needs: a connection with startup retry, a liveness flag
// fed by the client's connect/disconnect callbacks, and a publish call.
package mqttconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Event signals a broker connectivity transition. The connection's event
// channel is drained by the publisher loop once per cycle.
type Event int

const (
	EventConnected Event = iota
	EventDisconnected
)

// Will describes the last-will message registered with the broker.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Config collects broker connection settings.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	UseTLS         bool
	CACerts        string
	CertFile       string
	KeyFile        string
	ConnectTimeout time.Duration // MQTT keepalive
	MaxRetries     int           // startup connect attempts before giving up
	Will           *Will
}

// Conn is a live broker connection. The liveness flag has a single
// writer (paho's callback goroutine); everyone else only reads it.
type Conn struct {
	client mqtt.Client
	live   atomic.Bool
	events chan Event
	log    *slog.Logger
}

// Dial connects to the broker, retrying with exponential backoff up to
// cfg.MaxRetries attempts. Exhausting the retry budget is the caller's
// one fatal condition; everything after a successful Dial is handled by
// paho's automatic reconnect plus the forwarder's own queueing.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		events: make(chan Event, 8),
		log:    log,
	}

	opts := mqtt.NewClientOptions()
	if cfg.UseTLS {
		tlsCfg, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port))
		opts.SetTLSConfig(tlsCfg)
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	if cfg.ConnectTimeout > 0 {
		opts.SetKeepAlive(cfg.ConnectTimeout)
	}
	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retain)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.live.Store(true)
		c.post(EventConnected)
		log.Info("connected to MQTT broker", "host", cfg.Host, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.live.Store(false)
		c.post(EventDisconnected)
		log.Warn("lost connection to MQTT broker", "error", err)
	})

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // bounded by retry count, not elapsed time

	err := backoff.Retry(func() error {
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Error("failed to connect to MQTT broker", "error", token.Error())
			return token.Error()
		}
		c.client = client
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to MQTT broker after %d attempts: %w", maxRetries, err)
	}
	return c, nil
}

// Live reports the broker liveness flag as last written by the
// connection callbacks.
func (c *Conn) Live() bool {
	return c.live.Load()
}

// Events returns the connectivity transition channel.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Publish sends one message and waits for the client's acknowledgement.
func (c *Conn) Publish(topic string, payload []byte, qos byte, retain bool) error {
	token := c.client.Publish(topic, qos, retain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, giving in-flight work the supplied grace period.
func (c *Conn) Close(grace time.Duration) {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(uint(grace.Milliseconds()))
		c.log.Info("MQTT client disconnected")
	}
}

// post never blocks: if the loop is behind, coalescing transitions is
// fine because only the latest state matters.
func (c *Conn) post(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACerts != "" {
		pem, err := os.ReadFile(cfg.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read CA certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no usable certificates in %s", cfg.CACerts)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
