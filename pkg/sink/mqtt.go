package sink

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/record"
)

// Publisher is the subset of mqtt.Client used by MQTTSink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures an MQTTSink.
type MQTTOptions struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string

	// ClientID identifies the publisher. Default: wavebench-<unix nanoseconds>.
	ClientID string

	// Topic is the base topic. Records go to <Topic>/<source>/<kind>.
	Topic string

	// QoS is the publish quality of service.
	QoS byte

	// Lines also publishes worker lines. By default only lifecycle records
	// are published.
	Lines bool

	// ConnectTimeout bounds the initial connection. Default: 10 seconds.
	ConnectTimeout time.Duration
}

func mqttOpts(o MQTTOptions) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	return opts
}

// MQTTSink publishes records as JSON messages.
type MQTTSink struct {
	pub    Publisher
	client mqtt.Client
	opts   MQTTOptions

	mu      sync.Mutex
	pending []mqtt.Token
}

// DialMQTT connects to the broker and returns a sink publishing through it.
func DialMQTT(ctx context.Context, o MQTTOptions) (*MQTTSink, error) {
	if o.ClientID == "" {
		o.ClientID = fmt.Sprintf("wavebench-%d", time.Now().UnixNano())
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}

	c := mqtt.NewClient(mqttOpts(o))
	token := c.Connect()
	if err := waitToken(ctx, token, o.ConnectTimeout); err != nil {
		return nil, errors.New("E131").
			WithPeer(o.Broker).
			WithDetail("could not connect to the MQTT broker").
			Wrap(err)
	}

	s := NewMQTTSink(c, o)
	s.client = c
	return s, nil
}

// NewMQTTSink creates a sink publishing through pub.
func NewMQTTSink(pub Publisher, o MQTTOptions) *MQTTSink {
	if o.Topic == "" {
		o.Topic = "wavebench/events"
	}
	return &MQTTSink{pub: pub, opts: o}
}

// Topic returns the topic r is published to.
func (s *MQTTSink) Topic(r record.Record) string {
	return s.opts.Topic + "/" + string(r.Source) + "/" + string(r.Kind)
}

// Emit publishes r without waiting for delivery.
func (s *MQTTSink) Emit(r record.Record) {
	if r.Kind == record.KindLine && !s.opts.Lines {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	token := s.pub.Publish(s.Topic(r), s.opts.QoS, false, payload)

	s.mu.Lock()
	s.pending = append(s.pending, token)
	s.mu.Unlock()
}

// Flush waits for every publish issued so far.
func (s *MQTTSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var errs []error
	for _, token := range pending {
		if err := waitToken(ctx, token, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if err := stderrors.Join(errs...); err != nil {
		return errors.New("E131").
			WithDetail(fmt.Sprintf("%d of %d publishes failed", len(errs), len(pending))).
			Wrap(err)
	}
	return nil
}

// Close disconnects a sink created by DialMQTT.
func (s *MQTTSink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// waitToken waits for token, ctx, or timeout if positive.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
