package bridge

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoPublisher wraps one long-lived broker connection shared across all
// HTTP requests.
type PahoPublisher struct {
	client mqtt.Client
}

// NewPahoPublisher connects the process-wide publisher to the broker. The
// client retries the link itself at a fixed period after a lost connection.
func NewPahoPublisher(brokerURL, clientID string) (*PahoPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect broker: %w", token.Error())
	}

	return &PahoPublisher{client: client}, nil
}

// Publish sends payload at QoS 0. Delivery is at most once; the caller is
// responsible for retrying on error.
func (p *PahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Close disconnects the shared broker connection.
func (p *PahoPublisher) Close() {
	p.client.Disconnect(250)
}
