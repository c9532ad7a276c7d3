package mqttd

import (
	"bufio"
	"fmt"
	"io"
)

// readVarInt decodes the MQTT variable-length remaining length field,
// at most four bytes.
func readVarInt(r *bufio.Reader) (int, error) {
	value := 0
	multiplier := 1
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

// encodeRemainingLength encodes n as the MQTT variable-length field.
func encodeRemainingLength(n int) ([]byte, error) {
	if n < 0 || n > 268435455 {
		return nil, fmt.Errorf("remaining length %d out of range", n)
	}
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out, nil
		}
	}
}

// parsePublish extracts the topic and payload from a PUBLISH packet body.
// QoS 1 and 2 carry a packet identifier after the topic; it is skipped
// and the message is treated as QoS 0.
func parsePublish(header byte, payload []byte) (string, []byte, error) {
	rd := bytesReader(payload)

	topic, err := rd.readString()
	if err != nil {
		return "", nil, fmt.Errorf("read topic: %w", err)
	}
	if topic == "" {
		return "", nil, fmt.Errorf("empty topic")
	}

	qos := (header >> 1) & 0x03
	if qos > 0 {
		if _, err := rd.readUint16(); err != nil {
			return "", nil, fmt.Errorf("read packet id: %w", err)
		}
	}

	return topic, rd.rest(), nil
}

// buildPublishPacket assembles a QoS 0 PUBLISH packet for topic and payload.
func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + len(topic) + len(payload)
	lenBytes, err := encodeRemainingLength(remaining)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 0, 1+len(lenBytes)+remaining)
	packet = append(packet, 0x30)
	packet = append(packet, lenBytes...)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// buildSubAck assembles a SUBACK granting QoS 0 for count filters.
func buildSubAck(packetID uint16, count int) ([]byte, error) {
	remaining := 2 + count
	lenBytes, err := encodeRemainingLength(remaining)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 0, 1+len(lenBytes)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, lenBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < count; i++ {
		packet = append(packet, 0x00)
	}
	return packet, nil
}

// packetReader walks a packet body sequentially.
type packetReader struct {
	buf []byte
	pos int
}

func bytesReader(buf []byte) *packetReader {
	return &packetReader{buf: buf}
}

func (r *packetReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *packetReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *packetReader) readUint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16(r.buf[r.pos])<<8 | uint16(r.buf[r.pos+1])
	r.pos += 2
	return v, nil
}

func (r *packetReader) readString() (string, error) {
	length, err := r.readUint16()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(length) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.buf[r.pos : r.pos+int(length)])
	r.pos += int(length)
	return s, nil
}

func (r *packetReader) rest() []byte {
	out := r.buf[r.pos:]
	r.pos = len(r.buf)
	return out
}
