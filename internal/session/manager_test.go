package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"beemap/go-telemetry-server/internal/model"
)

type fakeBus struct {
	factory *fakeFactory
	opts    BusOptions

	mu           sync.Mutex
	subs         []string
	unsubs       []string
	disconnected bool
}

func (b *fakeBus) Connect(ctx context.Context) error {
	if b.factory.blockConnect != nil {
		select {
		case <-b.factory.blockConnect:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.factory.connectErr
}

func (b *fakeBus) Subscribe(topic string) error {
	b.factory.mu.Lock()
	err := b.factory.failTopics[topic]
	b.factory.mu.Unlock()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, topic)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	b.unsubs = append(b.unsubs, topic)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Disconnect() {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}

type fakeFactory struct {
	mu           sync.Mutex
	clients      []*fakeBus
	connectErr   error
	failTopics   map[string]error
	blockConnect chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failTopics: make(map[string]error)}
}

func (f *fakeFactory) build(opts BusOptions) BusClient {
	c := &fakeBus{factory: f, opts: opts}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) client(i int) *fakeBus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) failTopic(topic string, err error) {
	f.mu.Lock()
	f.failTopics[topic] = err
	f.mu.Unlock()
}

func testManager(t *testing.T, f *fakeFactory, topic string) (*Manager, context.CancelFunc) {
	t.Helper()
	m := NewManager(Options{
		BrokerURL:      "tcp://test:1883",
		Topic:          topic,
		WarmupDelay:    10 * time.Millisecond,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Bus:            f.build,
		Clock:          func() time.Time { return time.UnixMilli(1700000000000) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWarmupConnectAndSubscribe(t *testing.T) {
	f := newFakeFactory()
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "connected with active topic", func() bool {
		s := m.Snapshot()
		return s.State == model.StateConnected && s.ActiveTopic == "bee_map/#"
	})
	if f.count() != 1 {
		t.Fatalf("expected exactly one connection attempt, got %d", f.count())
	}
}

func TestReconnectAfterConnectionLost(t *testing.T) {
	f := newFakeFactory()
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "initial connect", func() bool {
		return m.Snapshot().State == model.StateConnected
	})

	f.client(0).opts.OnConnectionLost(errors.New("link down"))

	waitFor(t, "reconnect", func() bool {
		s := m.Snapshot()
		return f.count() == 2 && s.State == model.StateConnected
	})

	// the new connection rebuilt its subscription rather than assuming
	// the old one survived
	waitFor(t, "resubscribe on new client", func() bool {
		c := f.client(1)
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.subs) == 1 && c.subs[0] == "bee_map/#"
	})

	// exactly one new attempt, not a retry storm
	time.Sleep(100 * time.Millisecond)
	if f.count() != 2 {
		t.Fatalf("expected exactly one reconnect attempt, got %d connections", f.count())
	}
}

func TestManualDisconnectStopsReconnection(t *testing.T) {
	f := newFakeFactory()
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "initial connect", func() bool {
		return m.Snapshot().State == model.StateConnected
	})

	m.Disconnect()
	waitFor(t, "manual disconnect", func() bool {
		return m.Snapshot().State == model.StateManuallyDisconnected
	})

	c := f.client(0)
	c.mu.Lock()
	disconnected := c.disconnected
	c.mu.Unlock()
	if !disconnected {
		t.Fatal("expected connection to be force-closed")
	}

	// a late close event from the torn-down connection must not
	// resurrect the session
	c.opts.OnConnectionLost(errors.New("late close"))
	time.Sleep(100 * time.Millisecond)

	if f.count() != 1 {
		t.Fatalf("expected no reconnect after manual disconnect, got %d connections", f.count())
	}
	if s := m.Snapshot().State; s != model.StateManuallyDisconnected {
		t.Fatalf("expected manually-disconnected, got %s", s)
	}
}

func TestExplicitConnectAfterDisconnectRearmsReconnect(t *testing.T) {
	f := newFakeFactory()
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "initial connect", func() bool {
		return m.Snapshot().State == model.StateConnected
	})
	m.Disconnect()
	waitFor(t, "manual disconnect", func() bool {
		return m.Snapshot().State == model.StateManuallyDisconnected
	})

	m.Connect()
	waitFor(t, "explicit reconnect", func() bool {
		return f.count() == 2 && m.Snapshot().State == model.StateConnected
	})

	// flag re-armed: a lost connection now reconnects again
	f.client(1).opts.OnConnectionLost(errors.New("link down"))
	waitFor(t, "automatic reconnect", func() bool {
		return f.count() == 3 && m.Snapshot().State == model.StateConnected
	})
}

func TestCancelWhileConnecting(t *testing.T) {
	f := newFakeFactory()
	f.blockConnect = make(chan struct{})
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "connecting", func() bool {
		return m.Snapshot().State == model.StateConnecting
	})

	m.Cancel()
	waitFor(t, "cancelled", func() bool {
		return m.Snapshot().State == model.StateCancelled
	})

	// release the in-flight connect; its completion is stale and must
	// not mutate the torn-down session
	close(f.blockConnect)
	time.Sleep(100 * time.Millisecond)

	if s := m.Snapshot().State; s != model.StateCancelled {
		t.Fatalf("expected cancelled, got %s", s)
	}
	if f.count() != 1 {
		t.Fatalf("expected no further connection attempts, got %d", f.count())
	}
}

func TestSubscribeFailureIsNotADisconnect(t *testing.T) {
	f := newFakeFactory()
	f.failTopic("bee_map/#", errors.New("not authorized"))
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "subscribe error surfaced", func() bool {
		s := m.Snapshot()
		return s.State == model.StateConnected && s.Detail == "subscribe error"
	})

	s := m.Snapshot()
	if s.ActiveTopic != "" {
		t.Fatalf("expected no active topic after failed subscribe, got %q", s.ActiveTopic)
	}
	if s.LastError == "" {
		t.Fatal("expected last error to be set")
	}
}

func TestTopicChangeWhileConnected(t *testing.T) {
	f := newFakeFactory()
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "initial subscribe", func() bool {
		return m.Snapshot().ActiveTopic == "bee_map/#"
	})

	// a failed subscribe keeps the previous active topic
	f.failTopic("hives/#", errors.New("refused"))
	m.SetTopic("hives/#")
	waitFor(t, "subscribe error", func() bool {
		return m.Snapshot().Detail == "subscribe error"
	})
	if s := m.Snapshot(); s.ActiveTopic != "bee_map/#" {
		t.Fatalf("expected active topic unchanged, got %q", s.ActiveTopic)
	}

	// a successful change unsubscribes the old topic and confirms the new
	m.SetTopic("orchard/#")
	waitFor(t, "topic change confirmed", func() bool {
		return m.Snapshot().ActiveTopic == "orchard/#"
	})

	c := f.client(0)
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, u := range c.unsubs {
		if u == "bee_map/#" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unsubscribe from bee_map/#, got %v", c.unsubs)
	}
}

func TestInboundMessagesFeedThePositionLog(t *testing.T) {
	f := newFakeFactory()
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "connected", func() bool {
		return m.Snapshot().State == model.StateConnected
	})

	c := f.client(0)
	c.opts.OnMessage("bee_map/ABC123", []byte(`{"DevEUI_uplink":{"DevEUI":"ABC123","DevLAT":48.85,"DevLON":2.35}}`))

	waitFor(t, "position appended", func() bool {
		return m.Log().Len() == 1
	})

	select {
	case p := <-m.Positions():
		if p.DeviceID != "ABC123" || p.ReceivedAtTs != 1700000000000 {
			t.Fatalf("unexpected position %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a position on the feed channel")
	}

	// discards are silent no-ops
	c.opts.OnMessage("bee_map/other", []byte(`{"unrelated":true}`))
	c.opts.OnMessage("bee_map/other", []byte(`not json`))
	time.Sleep(20 * time.Millisecond)
	if m.Log().Len() != 1 {
		t.Fatalf("expected log unchanged by discards, got %d", m.Log().Len())
	}
}

func TestConfigureBeforeConnectAppliesTopic(t *testing.T) {
	f := newFakeFactory()
	f.blockConnect = make(chan struct{})
	m, _ := testManager(t, f, "bee_map/#")

	waitFor(t, "connecting", func() bool {
		return m.Snapshot().State == model.StateConnecting
	})
	m.Configure("tcp://real:1883", "hives/#")
	close(f.blockConnect)

	waitFor(t, "subscribed to configured topic", func() bool {
		return m.Snapshot().ActiveTopic == "hives/#"
	})
}
