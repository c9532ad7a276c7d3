// Package session owns the broker-connection lifecycle: the connection
// state machine, topic subscription management, and the routing of inbound
// bus messages through the envelope decoder into the position log.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"beemap/go-telemetry-server/internal/envelope"
	"beemap/go-telemetry-server/internal/model"
	"beemap/go-telemetry-server/internal/poslog"
)

// Options lists the tunable parameters of a session. Delays are fields so
// tests can inject short values.
type Options struct {
	BrokerURL string
	Topic     string

	WarmupDelay    time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	RetryInterval  time.Duration

	Logger *slog.Logger
	Bus    BusFactory
	Clock  func() time.Time
}

func (o *Options) fillDefaults() {
	if o.WarmupDelay <= 0 {
		o.WarmupDelay = time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Bus == nil {
		o.Bus = NewPahoFactory()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type eventKind int

const (
	evConnectReq eventKind = iota
	evDisconnectReq
	evCancelReq
	evSetTopic
	evConfigure
	evWarmupFired
	evReconnectFired
	evConnectResult
	evSubscribeResult
	evConnLost
	evMessage
)

type event struct {
	kind      eventKind
	gen       uint64
	topic     string
	brokerURL string
	payload   []byte
	err       error
}

// Manager is the session connection manager. All state lives in the Run
// event loop; commands and transport events run to completion one at a
// time, so no handler ever observes a half-applied transition.
type Manager struct {
	id   string
	opts Options
	log  *poslog.Log
	subs *SubscriptionManager

	events    chan event
	quit      chan struct{}
	positions chan model.Position
	status    chan model.SessionStatus

	// loop-owned, mirrored into snapshot under snapMu
	state     model.ConnectionState
	detail    string
	lastErr   string
	reconnect bool
	gen       uint64
	brokerURL string
	client    BusClient
	warmup    *time.Timer
	retry     *time.Timer

	snapMu sync.Mutex
	snap   model.SessionStatus
}

// NewManager builds a session around a fresh, empty position log. The
// warm-up timer is armed when Run starts.
func NewManager(opts Options) *Manager {
	opts.fillDefaults()
	m := &Manager{
		id:        uuid.New().String(),
		opts:      opts,
		log:       poslog.New(),
		subs:      NewSubscriptionManager(opts.Topic),
		events:    make(chan event, 128),
		quit:      make(chan struct{}),
		positions: make(chan model.Position, 64),
		status:    make(chan model.SessionStatus, 32),
		state:     model.StateIdle,
		brokerURL: opts.BrokerURL,
	}
	m.snap = model.SessionStatus{SessionID: m.id, State: model.StateIdle, DesiredTopic: opts.Topic}
	return m
}

// ID returns the session instance identifier.
func (m *Manager) ID() string { return m.id }

// Log exposes the session's position log for read-only derived views.
func (m *Manager) Log() *poslog.Log { return m.log }

// Positions streams decoded position records as they arrive.
func (m *Manager) Positions() <-chan model.Position { return m.positions }

// Status streams state changes as they happen.
func (m *Manager) Status() <-chan model.SessionStatus { return m.status }

// Connect requests an explicit connection attempt and re-arms automatic
// reconnection.
func (m *Manager) Connect() { m.post(event{kind: evConnectReq}) }

// Disconnect force-closes the current connection and disables automatic
// reconnection until the next explicit Connect.
func (m *Manager) Disconnect() { m.post(event{kind: evDisconnectReq}) }

// Cancel aborts an in-flight connection attempt. Outside the connecting
// state it is a no-op.
func (m *Manager) Cancel() { m.post(event{kind: evCancelReq}) }

// SetTopic updates the desired subscription topic. While connected this
// triggers an unsubscribe/subscribe pair; otherwise the new topic takes
// effect on the next successful connect.
func (m *Manager) SetTopic(topic string) { m.post(event{kind: evSetTopic, topic: topic}) }

// Configure applies late-arriving session configuration. The warm-up timer
// runs independently of this call, so a slow configuration fetch can race
// with the first connection attempt; the fetched values then apply on the
// next (re)connect.
func (m *Manager) Configure(brokerURL, topic string) {
	m.post(event{kind: evConfigure, brokerURL: brokerURL, topic: topic})
}

// Snapshot returns the current session status.
func (m *Manager) Snapshot() model.SessionStatus {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snap
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

// Run drives the event loop until ctx is cancelled. It arms the one-shot
// warm-up timer that fires the first connection attempt.
func (m *Manager) Run(ctx context.Context) {
	m.opts.Logger.Info("session created", "session_id", m.id, "broker", m.brokerURL, "topic", m.subs.Desired())

	m.warmup = time.AfterFunc(m.opts.WarmupDelay, func() {
		m.post(event{kind: evWarmupFired})
	})

	defer func() {
		close(m.quit)
		m.stopTimers()
		m.closeClient()
		close(m.positions)
		close(m.status)
		m.opts.Logger.Info("session stopped", "session_id", m.id)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evWarmupFired:
		if m.state == model.StateIdle {
			m.reconnect = true
			m.beginConnect()
		}

	case evConnectReq:
		switch m.state {
		case model.StateConnecting, model.StateConnected:
			// already underway
		default:
			m.reconnect = true
			m.beginConnect()
		}

	case evDisconnectReq:
		m.reconnect = false
		m.stopTimers()
		m.closeClient()
		m.setState(model.StateManuallyDisconnected, "", "")

	case evCancelReq:
		if m.state != model.StateConnecting {
			return
		}
		m.reconnect = false
		m.stopTimers()
		m.closeClient()
		m.setState(model.StateCancelled, "", "")

	case evSetTopic:
		m.subs.SetDesired(ev.topic)
		m.publishSnapshot()
		if m.state == model.StateConnected {
			m.applySubscription()
		}

	case evConfigure:
		if ev.brokerURL != "" {
			m.brokerURL = ev.brokerURL
		}
		if ev.topic != "" {
			m.subs.SetDesired(ev.topic)
			if m.state == model.StateConnected {
				m.applySubscription()
			}
		}
		m.publishSnapshot()

	case evConnectResult:
		if ev.gen != m.gen || m.state != model.StateConnecting {
			return // stale completion from a torn-down attempt
		}
		if ev.err != nil {
			m.setState(model.StateError, "connect error", ev.err.Error())
			m.scheduleReconnect()
			return
		}
		m.setState(model.StateConnected, "", "")
		m.applySubscription()

	case evSubscribeResult:
		if ev.gen != m.gen || m.state != model.StateConnected {
			return
		}
		if ev.err != nil {
			// subscribe failure is not a disconnect: stay connected,
			// keep the previous active topic
			m.setState(model.StateConnected, "subscribe error", ev.err.Error())
			return
		}
		m.subs.Confirm(ev.topic)
		m.setState(model.StateConnected, "", "")
		m.opts.Logger.Info("subscribed", "session_id", m.id, "topic", ev.topic)

	case evConnLost:
		if ev.gen != m.gen {
			return
		}
		detail := ""
		if ev.err != nil {
			detail = ev.err.Error()
		}
		m.setState(model.StateDisconnected, "connection lost", detail)
		if m.reconnect {
			m.scheduleReconnect()
		}

	case evReconnectFired:
		if ev.gen != m.gen || !m.reconnect {
			return
		}
		if m.state == model.StateDisconnected || m.state == model.StateError {
			m.beginConnect()
		}

	case evMessage:
		if ev.gen != m.gen {
			return
		}
		m.handleMessage(ev.topic, ev.payload)
	}
}

// beginConnect tears down any previous connection object and starts a new
// connect attempt, guaranteeing subscriptions are rebuilt rather than
// assumed to survive.
func (m *Manager) beginConnect() {
	m.stopRetryTimer()
	m.closeClient()
	m.subs.Invalidate()

	gen := m.gen
	m.setState(model.StateConnecting, "", "")

	client := m.opts.Bus(BusOptions{
		BrokerURL:      m.brokerURL,
		ClientID:       "beemap-viewer-" + m.id[:8],
		ConnectTimeout: m.opts.ConnectTimeout,
		RetryInterval:  m.opts.RetryInterval,
		OnMessage: func(topic string, payload []byte) {
			m.post(event{kind: evMessage, gen: gen, topic: topic, payload: payload})
		},
		OnConnectionLost: func(err error) {
			m.post(event{kind: evConnLost, gen: gen, err: err})
		},
	})
	m.client = client

	go func() {
		err := client.Connect(context.Background())
		m.post(event{kind: evConnectResult, gen: gen, err: err})
	}()
}

// applySubscription reconciles the active subscription with the desired
// topic. The bus calls run off-loop; only the posted result mutates state.
func (m *Manager) applySubscription() {
	unsub, sub, needed := m.subs.Plan()
	if !needed {
		return
	}

	gen := m.gen
	client := m.client
	logger := m.opts.Logger
	go func() {
		if unsub != "" {
			if err := client.Unsubscribe(unsub); err != nil {
				logger.Warn("unsubscribe failed", "topic", unsub, "error", err)
			}
		}
		err := client.Subscribe(sub)
		m.post(event{kind: evSubscribeResult, gen: gen, topic: sub, err: err})
	}()
}

func (m *Manager) handleMessage(topic string, payload []byte) {
	pos, reason := envelope.Decode(payload, m.opts.Clock)
	switch reason {
	case envelope.DiscardNone:
	case envelope.DiscardNoPayload:
		// expected for unrelated traffic on the same topic tree
		m.opts.Logger.Debug("discarded message", "topic", topic, "reason", reason)
		return
	default:
		m.opts.Logger.Warn("discarded message", "topic", topic, "reason", reason)
		return
	}

	m.log.Append(pos)
	select {
	case m.positions <- pos:
	default:
		// the log remains authoritative; a slow feed consumer only
		// misses the live event
	}
}

func (m *Manager) scheduleReconnect() {
	m.stopRetryTimer()
	gen := m.gen
	m.retry = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.post(event{kind: evReconnectFired, gen: gen})
	})
}

// closeClient invalidates all in-flight completions for the previous
// connection and force-closes it.
func (m *Manager) closeClient() {
	m.gen++
	if m.client != nil {
		m.client.Disconnect()
		m.client = nil
	}
}

func (m *Manager) stopRetryTimer() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) stopTimers() {
	if m.warmup != nil {
		m.warmup.Stop()
		m.warmup = nil
	}
	m.stopRetryTimer()
}

func (m *Manager) setState(state model.ConnectionState, detail, lastErr string) {
	m.state = state
	m.detail = detail
	if lastErr != "" {
		m.lastErr = lastErr
	}
	if detail != "" || lastErr != "" {
		m.opts.Logger.Warn("session state", "session_id", m.id, "state", state, "detail", detail, "error", lastErr)
	} else {
		m.opts.Logger.Info("session state", "session_id", m.id, "state", state)
	}
	m.publishSnapshot()
}

func (m *Manager) publishSnapshot() {
	snap := model.SessionStatus{
		SessionID:    m.id,
		State:        m.state,
		Detail:       m.detail,
		LastError:    m.lastErr,
		DesiredTopic: m.subs.Desired(),
		ActiveTopic:  m.subs.Active(),
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()

	select {
	case m.status <- snap:
	default:
	}
}
