package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/models"
	"CROWD_MONITOR/go-backend/internal/pipeline"
)

var ErrMQTTNotConnected = errors.New("mqtt not connected")

// MQTTPublisher mirrors session updates to a broker under
// <prefix>/<session>/frames and <prefix>/<session>/report.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	log    *logrus.Entry

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
}

func NewMQTTPublisher(broker, clientID, prefix string, log *logrus.Entry) *MQTTPublisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.WithField("broker", broker).Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithError(err).WithField("broker", broker).Warn("mqtt connection lost, will auto-reconnect")
	}
	return NewMQTTPublisherWithClient(mqtt.NewClient(opts), prefix, log)
}

func NewMQTTPublisherWithClient(client mqtt.Client, prefix string, log *logrus.Entry) *MQTTPublisher {
	return &MQTTPublisher{
		client:    client,
		prefix:    prefix,
		log:       log,
		published: make(map[string]uint64),
	}
}

func (p *MQTTPublisher) Connect(ctx context.Context) error {
	p.log.Info("connecting to mqtt broker")
	if err := p.wait(ctx, p.client.Connect(), 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, u *pipeline.FrameUpdate) error {
	return p.send(ctx, p.topic(u.SessionID, "frames"), models.NewFrameUpdateMessage(u, ""))
}

func (p *MQTTPublisher) PublishReport(ctx context.Context, sessionID string, state pipeline.State, r *analysis.Report) error {
	return p.send(ctx, p.topic(sessionID, "report"), models.NewSessionReport(sessionID, state, r))
}

func (p *MQTTPublisher) topic(sessionID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, sessionID, kind)
}

func (p *MQTTPublisher) send(ctx context.Context, topic string, v interface{}) error {
	if !p.client.IsConnected() {
		p.countError()
		return ErrMQTTNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal mqtt payload: %w", err)
	}
	if err := p.wait(ctx, p.client.Publish(topic, 0, false, payload), 2*time.Second); err != nil {
		p.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{"topic": topic, "size": len(payload)}).Debug("mqtt message published")
	return nil
}

// wait blocks until the token finishes, ctx ends or fallback elapses.
func (p *MQTTPublisher) wait(ctx context.Context, token mqtt.Token, fallback time.Duration) error {
	timer := time.NewTimer(fallback)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	}
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

func (p *MQTTPublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Info("mqtt disconnected")
	}
}

type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (p *MQTTPublisher) Stats() MQTTStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return MQTTStats{
		Connected: p.client.IsConnected(),
		Published: published,
		Errors:    p.errors,
	}
}
