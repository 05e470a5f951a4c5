package transport

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures an MQTT session.
type MQTTOptions struct {
	URL                  string // tcp://host:1883, ssl://..., ws://...
	ClientID             string
	Username             string
	Password             string
	ConnectTimeout       time.Duration
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
	PublishTimeout       time.Duration
}

type subscription struct {
	qos   QoS
	queue chan Message
}

// MQTT is a Client backed by paho. Paho owns reconnects once the first
// Connect succeeded; subscriptions are replayed on every (re)connect because
// sessions are clean.
type MQTT struct {
	opts   MQTTOptions
	client paho.Client
	events chan Event

	mu   sync.Mutex
	subs map[string]subscription
	wg   sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// NewMQTT builds the client without connecting.
func NewMQTT(o MQTTOptions) *MQTT {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 60 * time.Second
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = 30 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}

	m := &MQTT{
		opts:   o,
		events: make(chan Event, 16),
		subs:   map[string]subscription{},
		done:   make(chan struct{}),
	}

	po := paho.NewClientOptions()
	po.AddBroker(normalizeBrokerURL(o.URL))
	po.SetClientID(o.ClientID)
	if o.Username != "" {
		po.SetUsername(o.Username)
		po.SetPassword(o.Password)
	}
	po.SetConnectTimeout(o.ConnectTimeout)
	po.SetKeepAlive(o.KeepAlive)
	po.SetCleanSession(true)
	po.SetOrderMatters(true)
	po.SetAutoReconnect(true)
	po.SetMaxReconnectInterval(o.MaxReconnectInterval)
	po.SetOnConnectHandler(m.onConnect)
	po.SetConnectionLostHandler(m.onConnectionLost)
	po.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		log.Printf("[mqtt:%s] reconnecting to %s", o.ClientID, o.URL)
	})

	m.client = paho.NewClient(po)
	return m
}

// normalizeBrokerURL accepts the bare host:port form used by the legacy
// MQTT_BROKER variable.
func normalizeBrokerURL(u string) string {
	if u == "" {
		return "tcp://localhost:1883"
	}
	if !strings.Contains(u, "://") {
		if !strings.Contains(u, ":") {
			u += ":1883"
		}
		return "tcp://" + u
	}
	return u
}

// Connect performs one bounded connection attempt. Wrap it in Retry for the
// initial connect.
func (m *MQTT) Connect(ctx context.Context) error {
	tok := m.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.ConnectTimeout + time.Second):
		return fmt.Errorf("connect %s: %w", m.opts.URL, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connect %s: %w", m.opts.URL, err)
	}
	return nil
}

// Publish waits at most PublishTimeout for the broker. QoS 0 completes as
// soon as the packet is written.
func (m *MQTT) Publish(topic string, qos QoS, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := m.client.Publish(topic, byte(qos), false, payload)
	if !tok.WaitTimeout(m.opts.PublishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		if err == paho.ErrNotConnected {
			return ErrNotConnected
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h and subscribes immediately if connected; otherwise
// the subscription is made on the next connect. h runs on a goroutine of its
// own, one message at a time, so it may publish and wait for the ack; paho's
// ordered dispatch would deadlock on that.
func (m *MQTT) Subscribe(filter string, qos QoS, h Handler) error {
	s := subscription{qos: qos, queue: make(chan Message, mqttQueueSize)}
	m.mu.Lock()
	if _, dup := m.subs[filter]; dup {
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s: already subscribed", filter)
	}
	m.subs[filter] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case msg := <-s.queue:
				h(msg)
			}
		}
	}()

	if !m.client.IsConnectionOpen() {
		return nil
	}
	return m.subscribe(filter, s)
}

const mqttQueueSize = 4096

func (m *MQTT) subscribe(filter string, s subscription) error {
	tok := m.client.Subscribe(filter, byte(s.qos), func(_ paho.Client, msg paho.Message) {
		select {
		case s.queue <- Message{Topic: msg.Topic(), Payload: msg.Payload(), Received: time.Now()}:
		default:
			log.Printf("[mqtt:%s] dropping message on %s: handler backlog full", m.opts.ClientID, msg.Topic())
		}
	})
	if !tok.WaitTimeout(m.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: %w", filter, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	log.Printf("[mqtt:%s] subscribed %s (%s)", m.opts.ClientID, filter, s.qos)
	return nil
}

func (m *MQTT) Events() <-chan Event { return m.events }

func (m *MQTT) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.client.Disconnect(250)
		m.wg.Wait()
	})
}

func (m *MQTT) onConnect(_ paho.Client) {
	log.Printf("[mqtt:%s] connected to %s", m.opts.ClientID, m.opts.URL)

	m.mu.Lock()
	subs := make(map[string]subscription, len(m.subs))
	for f, s := range m.subs {
		subs[f] = s
	}
	m.mu.Unlock()

	// Paho calls this handler on its own goroutine; blocking on SUBACK here
	// is allowed.
	for f, s := range subs {
		if err := m.subscribe(f, s); err != nil {
			log.Printf("[mqtt:%s] resubscribe failed: %v", m.opts.ClientID, err)
		}
	}
	m.emit(Event{Kind: Connected, At: time.Now()})
}

func (m *MQTT) onConnectionLost(_ paho.Client, err error) {
	log.Printf("[mqtt:%s] connection lost: %v", m.opts.ClientID, err)
	m.emit(Event{Kind: Disconnected, Err: err, At: time.Now()})
}

func (m *MQTT) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
