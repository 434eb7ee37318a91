package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"divera/internal/config"
)

// Connection constants.
const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	maxQoS            = 2
)

// Broker errors.
var (
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidQoS       = errors.New("mqtt: invalid qos")
)

// MessageHandler receives messages for a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Broker is the part of an MQTT client the publisher uses.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	Close()
}

// Availability is the retained bridge availability topic. Online is
// published on every connect; the broker publishes Offline as last will.
type Availability struct {
	Topic   string
	Online  string
	Offline string
}

// pahoBroker implements Broker on paho.mqtt.golang. Subscriptions are
// restored after a reconnect.
type pahoBroker struct {
	client pahomqtt.Client
	qos    byte
	logger *zap.Logger
	avail  Availability

	subMu sync.RWMutex
	subs  map[string]MessageHandler
}

// ClientID appends a random suffix to base so that several bridges can
// share a broker.
func ClientID(base string) string {
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

// Dial connects to the broker described by cfg.
func Dial(cfg config.MQTTConfig, avail Availability, logger *zap.Logger) (Broker, error) {
	if cfg.QoS > maxQoS {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQoS, cfg.QoS)
	}

	b := &pahoBroker{
		qos:    cfg.QoS,
		logger: logger,
		avail:  avail,
		subs:   make(map[string]MessageHandler),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(ClientID(cfg.ClientID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	// handlers may block on a Divera request
	opts.SetOrderMatters(false)
	if avail.Topic != "" {
		opts.SetWill(avail.Topic, avail.Offline, cfg.QoS, true)
	}
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		b.logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		b.restoreSubscriptions()
		if avail.Topic != "" {
			b.client.Publish(avail.Topic, b.qos, true, avail.Online)
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return b, nil
}

func (b *pahoBroker) restoreSubscriptions() {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for topic, handler := range b.subs {
		b.client.Subscribe(topic, b.qos, wrap(handler))
	}
}

func wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}

func (b *pahoBroker) Publish(topic string, payload []byte, retained bool) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := b.client.Publish(topic, b.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (b *pahoBroker) Subscribe(topic string, handler MessageHandler) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	b.subMu.Lock()
	b.subs[topic] = handler
	b.subMu.Unlock()

	token := b.client.Subscribe(topic, b.qos, wrap(handler))
	if !token.WaitTimeout(publishTimeout) {
		b.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		b.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (b *pahoBroker) forget(topic string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subs, topic)
}

func (b *pahoBroker) Unsubscribe(topic string) error {
	b.forget(topic)
	if !b.client.IsConnectionOpen() {
		return nil
	}
	token := b.client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: unsubscribe timeout", ErrSubscribeFailed)
	}
	return token.Error()
}

func (b *pahoBroker) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// Close publishes the offline payload and disconnects.
func (b *pahoBroker) Close() {
	if b.avail.Topic != "" && b.client.IsConnectionOpen() {
		token := b.client.Publish(b.avail.Topic, b.qos, true, b.avail.Offline)
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
}
