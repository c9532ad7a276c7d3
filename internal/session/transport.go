package session

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// BusClient is the subset of the MQTT client the session drives. A fresh
// client is built for every connection attempt so subscriptions are rebuilt
// instead of assumed to survive a reconnect.
type BusClient interface {
	Connect(ctx context.Context) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Disconnect()
}

// BusOptions carries everything a transport needs for one connection.
type BusOptions struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
	RetryInterval  time.Duration

	// OnMessage and OnConnectionLost are invoked from transport goroutines;
	// implementations forward into the session event loop.
	OnMessage        func(topic string, payload []byte)
	OnConnectionLost func(err error)
}

// BusFactory builds a client for one connection attempt.
type BusFactory func(opts BusOptions) BusClient

// NewPahoFactory returns the production factory backed by the paho client.
// The client keeps its own link-level retry (connect retry at a fixed
// interval, auto-reconnect after a lost connection); the session layer
// still rebuilds the whole connect-and-subscribe sequence on close, so
// subscription state is never silently stale.
func NewPahoFactory() BusFactory {
	return func(opts BusOptions) BusClient {
		return &pahoBus{opts: opts}
	}
}

type pahoBus struct {
	opts   BusOptions
	client mqtt.Client
}

func (p *pahoBus) Connect(ctx context.Context) error {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(p.opts.BrokerURL).
		SetClientID(p.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetResumeSubs(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(p.opts.RetryInterval).
		SetConnectTimeout(p.opts.ConnectTimeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.opts.OnConnectionLost(err)
		})

	p.client = mqtt.NewClient(clientOpts)

	token := p.client.Connect()
	select {
	case <-ctx.Done():
		p.client.Disconnect(0)
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

func (p *pahoBus) Subscribe(topic string) error {
	token := p.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		p.opts.OnMessage(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (p *pahoBus) Unsubscribe(topic string) error {
	token := p.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (p *pahoBus) Disconnect() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
