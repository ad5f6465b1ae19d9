package clients

import (
	"encoding/json"
	"fmt"
	"time"

	"gasless-backend/internal/config"
	"gasless-backend/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSClient publishes wallet lifecycle events. Consumers (notification
// workers, analytics) subscribe elsewhere; this service only emits.
type NATSClient struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	log           *logrus.Entry
	subjectPrefix string
}

// NewNATSClient connects to the configured NATS server. Returns nil without
// error when NATS is not configured, so event publication is optional.
func NewNATSClient() (*NATSClient, error) {
	cfg := config.AppConfig.NATS
	if cfg.URL == "" {
		logrus.Info("NATS not configured, event publication disabled")
		return nil, nil
	}

	log := logrus.WithField("component", "nats_client")

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	reconnectWait := time.Duration(cfg.ReconnectWait) * time.Second
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.NATSConnectionStatus.Set(0)
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionStatus.Set(1)
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionStatus.Set(0)
			log.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	client := &NATSClient{
		conn:          conn,
		log:           log,
		subjectPrefix: cfg.SubjectPrefix,
	}
	if client.subjectPrefix == "" {
		client.subjectPrefix = "wallet"
	}

	if cfg.EnableJetStream {
		js, err := conn.JetStream()
		if err != nil {
			log.WithError(err).Warn("JetStream unavailable, falling back to core NATS publish")
		} else {
			client.js = js
		}
	}

	metrics.NATSConnectionStatus.Set(1)
	log.WithField("url", cfg.URL).Info("NATS connected")
	return client, nil
}

// Publish emits a JSON event on <prefix>.<subject>. JetStream is used when
// enabled so events survive consumer downtime.
func (c *NATSClient) Publish(subject string, event interface{}) error {
	if c == nil || c.conn == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	fullSubject := c.subjectPrefix + "." + subject
	if c.js != nil {
		_, err = c.js.Publish(fullSubject, data)
	} else {
		err = c.conn.Publish(fullSubject, data)
	}
	if err != nil {
		c.log.WithError(err).WithField("subject", fullSubject).Error("Failed to publish event")
		return err
	}

	c.log.WithField("subject", fullSubject).Debug("Event published")
	return nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.WithError(err).Warn("NATS drain failed")
		c.conn.Close()
	}
	metrics.NATSConnectionStatus.Set(0)
}
