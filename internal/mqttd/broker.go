// Package mqttd is a minimal embedded MQTT v3.1.1 broker (QoS 0 only) so a
// development deployment can run the viewer, bridge, and simulated devices
// without an external broker. Production deployments point at a real
// broker and never start this.
package mqttd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type client struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	filters  map[string]struct{}
	clientID string
	closed   atomic.Bool
}

func newClient(conn net.Conn) *client {
	return &client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (c *client) matches(topic string) bool {
	for filter := range c.filters {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *client) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// topicMatches reports whether topic matches the subscription filter,
// honoring the + single-level and # multi-level wildcards.
func topicMatches(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, fp := range filterParts {
		if fp == "#" {
			return i == len(filterParts)-1
		}
		if i >= len(topicParts) {
			return false
		}
		if fp != "+" && fp != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

// Broker accepts MQTT clients and routes QoS 0 publishes to every client
// whose subscription filters match.
type Broker struct {
	logger       *slog.Logger
	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, clients: make(map[*client]struct{})}
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal
// errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("embedded mqtt broker listening", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			c := newClient(conn)
			b.addClient(c)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(c)
			}()
		}
	}()

	return errCh, nil
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for c := range b.clients {
		c.closed.Store(true)
		_ = c.conn.Close()
	}
	b.clients = make(map[*client]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Broker) addClient(c *client) {
	b.clientsMu.Lock()
	b.clients[c] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(c *client) {
	b.clientsMu.Lock()
	delete(b.clients, c)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(c *client) {
	defer func() {
		c.closed.Store(true)
		b.removeClient(c)
		_ = c.conn.Close()
	}()

	for {
		header, err := c.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(c.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4

		switch packetType {
		case 1: // CONNECT
			if err := b.handleConnect(c, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
		case 3: // PUBLISH
			topic, body, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			b.route(topic, body)
		case 8: // SUBSCRIBE
			if err := b.handleSubscribe(c, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case 10: // UNSUBSCRIBE
			if err := b.handleUnsubscribe(c, payload); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case 12: // PINGREQ
			if err := c.writePacket([]byte{0xD0, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case 14: // DISCONNECT
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(c *client, payload []byte) error {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	if _, err := rd.readByte(); err != nil { // connect flags
		return fmt.Errorf("read connect flags: %w", err)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	c.clientID = clientID

	if err := c.writePacket([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	return nil
}

func (b *Broker) handleSubscribe(c *client, payload []byte) error {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	count := 0
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		if rd.remaining() == 0 {
			return fmt.Errorf("missing qos byte")
		}
		if _, err := rd.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		// requested QoS is ignored; everything is granted at QoS 0
		b.clientsMu.Lock()
		c.filters[filter] = struct{}{}
		b.clientsMu.Unlock()
		count++
	}

	packet, err := buildSubAck(packetID, count)
	if err != nil {
		return err
	}
	return c.writePacket(packet)
}

func (b *Broker) handleUnsubscribe(c *client, payload []byte) error {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		b.clientsMu.Lock()
		delete(c.filters, filter)
		b.clientsMu.Unlock()
	}

	packet := []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
	return c.writePacket(packet)
}

// route delivers a publish to every client with a matching filter,
// including the sender if it subscribed to its own topic.
func (b *Broker) route(topic string, payload []byte) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for c := range b.clients {
		if c.matches(topic) {
			if err := c.writePacket(packet); err != nil {
				b.logger.Debug("forward publish failed", "client", c.clientID, "error", err)
			}
		}
	}
}
