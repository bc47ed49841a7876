// Package broker wraps the MQTT connection shared by the pipeline. It owns
// connect/reconnect handling and re-establishes subscriptions after a broker
// outage, so publishers and consumers only deal with payload bytes.
//
// Delivery contract: QoS 1 on both topics (at-least-once, ordered per topic
// per producer). Consumers must therefore tolerate duplicated and redelivered
// messages; the aggregator's idempotent upsert rule depends on this.
package broker

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 10 * time.Second
	maxReconnectGap = 1 * time.Minute
	qosAtLeastOnce  = 1
)

// Handler processes one message payload. Handlers run synchronously on the
// client's router goroutine and the message is acked only after the handler
// returns, so a crash mid-handler leads to a redelivery instead of a silent
// loss. Handlers must tolerate redelivered payloads.
type Handler func(payload []byte)

// Client is the shared MQTT connection.
type Client struct {
	host     string
	port     int
	clientID string
	client   mqtt.Client

	mu   sync.Mutex
	subs map[string]Handler // re-applied on every (re)connect
}

// NewClient creates an unconnected broker client.
func NewClient(host string, port int, clientID string) *Client {
	return &Client{
		host:     host,
		port:     port,
		clientID: clientID,
		subs:     make(map[string]Handler),
	}
}

// Connect establishes the MQTT session. Auto-reconnect is enabled with a
// capped interval; subscriptions registered before or after Connect are
// (re)applied by the on-connect handler.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.host, c.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%d", c.clientID, time.Now().Unix()))

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(connectTimeout)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectGap)

	// QoS 1 ack is sent manually after the subscription handler returns,
	// never merely on enqueue.
	opts.SetAutoAckDisabled(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)

	log.Printf("Broker: connecting to %s...", brokerURL)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("broker: connect: %w", token.Error())
	}
	log.Println("Broker: connected")
	return nil
}

// Publish sends one message at QoS 1 and waits for the broker ack. The error
// return lets callers decide whether a dropped message is tolerable (a poll
// batch is; the next cycle replaces it).
func (c *Client) Publish(topic string, payload []byte) error {
	if c.client == nil {
		return fmt.Errorf("broker: publish %s: not connected", topic)
	}
	token := c.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("broker: publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic. Safe to call before Connect;
// the subscription is applied on connect and after every reconnect.
func (c *Client) Subscribe(topic string, handler Handler) {
	c.mu.Lock()
	c.subs[topic] = handler
	alreadyConnected := c.client != nil && c.client.IsConnected()
	c.mu.Unlock()

	if alreadyConnected {
		c.subscribe(topic, handler)
	}
}

// Connected reports whether the MQTT session is currently up.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Close unsubscribes and disconnects, allowing in-flight messages a short
// window to complete.
func (c *Client) Close() {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	if len(topics) > 0 {
		c.client.Unsubscribe(topics...)
	}
	c.client.Disconnect(250)
	log.Println("Broker: disconnected")
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		c.subscribe(topic, handler)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("Broker: connection lost: %v (will reconnect)", err)
}

func (c *Client) subscribe(topic string, handler Handler) {
	token := c.client.Subscribe(topic, qosAtLeastOnce, func(client mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
		msg.Ack()
	})
	if token.Wait() && token.Error() != nil {
		log.Printf("Broker: subscribe %s failed: %v", topic, token.Error())
		return
	}
	log.Printf("Broker: subscribed to %s", topic)
}
