package mqttclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/edgectl/edgectl/internal/brokerauth"
	"github.com/sirupsen/logrus"
)

// Handler receives one inbound message.
type Handler func(topic string, payload []byte)

// Client wraps an autopaho connection manager. It publishes control-plane
// notifications (job dispatch) and ingests device status topics. The
// connection manager reconnects on its own; subscriptions are replayed on
// every connection-up.
type Client struct {
	cm  *autopaho.ConnectionManager
	log logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string]Handler
}

type Config struct {
	BrokerUrl string
	Username  string
	Password  string
	ClientID  string
}

func New(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Client, error) {
	u, err := url.Parse(cfg.BrokerUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}

	c := &Client{
		log:      log,
		handlers: map[string]Handler{},
	}

	clientCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			log.Warnf("mqtt connect error: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				log.Warnf("mqtt client error: %v", err)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	c.cm = cm
	return c, nil
}

// Publish sends one message at QoS 1, honoring the caller deadline.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for a topic filter. The subscription is
// replayed after reconnects.
func (c *Client) Subscribe(ctx context.Context, filter string, handler Handler) error {
	c.mu.Lock()
	c.handlers[filter] = handler
	c.mu.Unlock()

	_, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", filter, err)
	}
	return nil
}

func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.RLock()
	filters := make([]paho.SubscribeOptions, 0, len(c.handlers))
	for filter := range c.handlers {
		filters = append(filters, paho.SubscribeOptions{Topic: filter, QoS: 1})
	}
	c.mu.RUnlock()

	if len(filters) == 0 {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: filters}); err != nil {
		c.log.Warnf("mqtt resubscribe failed: %v", err)
	}
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for filter, handler := range c.handlers {
		if brokerauth.MatchTopic(filter, topic) {
			handler(topic, payload)
		}
	}
}

func (c *Client) Close(ctx context.Context) error {
	return c.cm.Disconnect(ctx)
}
