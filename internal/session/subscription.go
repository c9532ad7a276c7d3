package session

// SubscriptionManager tracks the topic the session wants against the topic
// the broker last confirmed. The active topic only ever advances on a
// confirmed subscribe ack, so a failed topic change leaves the session
// subscribed to the old topic rather than to nothing.
type SubscriptionManager struct {
	desired string
	active  string
}

func NewSubscriptionManager(topic string) *SubscriptionManager {
	return &SubscriptionManager{desired: topic}
}

func (m *SubscriptionManager) Desired() string { return m.desired }
func (m *SubscriptionManager) Active() string  { return m.active }

// SetDesired updates the topic the session should be subscribed to. No bus
// action happens here; the caller drives the change via Plan.
func (m *SubscriptionManager) SetDesired(topic string) {
	m.desired = topic
}

// Plan returns the unsubscribe/subscribe pair needed to reach the desired
// topic. needed is false when desired and active already match; unsubscribe
// is empty when there is no confirmed subscription to drop.
func (m *SubscriptionManager) Plan() (unsubscribe, subscribe string, needed bool) {
	if m.desired == m.active || m.desired == "" {
		return "", "", false
	}
	return m.active, m.desired, true
}

// Confirm records a successful subscribe ack for topic.
func (m *SubscriptionManager) Confirm(topic string) {
	m.active = topic
}

// Invalidate clears the active topic after the underlying connection was
// torn down; subscriptions never survive a connection rebuild.
func (m *SubscriptionManager) Invalidate() {
	m.active = ""
}
