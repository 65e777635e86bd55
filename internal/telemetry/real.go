package telemetry

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// BufferCapacity bounds the offline replay buffer.
const BufferCapacity = 256

const publishTimeout = 5 * time.Second

// RealPublisher publishes to an actual MQTT broker. While the broker is
// unreachable, messages go to a bounded replay buffer and are republished
// on reconnect.
type RealPublisher struct {
	client      paho.Client
	eventsTopic string
	systemTopic string

	mu      sync.Mutex
	pending *replayBuffer
	dropped int
}

// NewRealPublisher creates a publisher connected to the given broker.
// The machine name scopes the topics.
func NewRealPublisher(broker, machine string) (*RealPublisher, error) {
	p := &RealPublisher{
		eventsTopic: EventsTopic(machine),
		systemTopic: SystemTopic(machine),
		pending:     newReplayBuffer(BufferCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("timbersort-" + machine).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(p.onConnect)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// Publish sends a machine event. QoS 0: a lost sample is cheaper than a
// stalled machine loop.
func (p *RealPublisher) Publish(event MachineEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.publish(p.eventsTopic, 0, false, payload)
}

// PublishSystem sends a lifecycle event. QoS 1: startup and shutdown frames
// should survive a flaky broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(p.systemTopic, 1, event.Retained, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		p.buffer(message{topic: topic, payload: payload, qos: qos, retained: retained})
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *RealPublisher) buffer(m message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.push(m) {
		p.dropped++
		if p.dropped == 1 {
			log.Printf("telemetry: replay buffer full (%d messages), dropping oldest", BufferCapacity)
		}
	}
}

// onConnect replays everything buffered while the broker was away.
func (p *RealPublisher) onConnect(client paho.Client) {
	p.mu.Lock()
	backlog := p.pending.drain()
	dropped := p.dropped
	p.dropped = 0
	p.mu.Unlock()

	if len(backlog) == 0 {
		return
	}
	for _, m := range backlog {
		token := client.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			log.Printf("telemetry: replay publish failed: %v", token.Error())
		}
	}
	if dropped > 0 {
		log.Printf("telemetry: replayed %d buffered messages (%d lost to overflow)", len(backlog), dropped)
	} else {
		log.Printf("telemetry: replayed %d buffered messages", len(backlog))
	}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Buffered returns how many messages are waiting for replay.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // milliseconds to flush in-flight messages
	return nil
}
