package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrFrameTooLarge is returned when a frame announces a body larger than
	// the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformed is returned when a frame body is not a decodable message.
	// It is a transport failure: the stream can no longer be trusted.
	ErrMalformed = errors.New("malformed message")
)

// ProtocolError reports a message that was framed and decoded correctly but
// breaks the protocol, for instance a payload shape that does not fit the
// declared type. The decoded header is kept so the receiver can answer it.
type ProtocolError struct {
	Msg Message
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s from %s: %v", e.Msg.Type, e.Msg.Sender, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Field numbers of the message body.
const (
	fieldID       protowire.Number = 1
	fieldReplyTo  protowire.Number = 2
	fieldType     protowire.Number = 3
	fieldSender   protowire.Number = 4
	fieldReceiver protowire.Number = 5
	fieldKind     protowire.Number = 6
	fieldPayload  protowire.Number = 7
)

const frameHeaderLen = 4

// WriteFrame writes body prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, body []byte) error {
	if uint64(len(body)) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderLen:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. maxSize of 0 leaves the size
// bounded only by the 32-bit length prefix.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if maxSize > 0 && n > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Marshal encodes a valid message into a frame body. Encoding is
// deterministic: the same message always yields the same bytes.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return appendMessage(nil, m), nil
}

// Unmarshal decodes a frame body. Bodies that cannot be decoded at all
// return an error wrapping ErrMalformed. A decodable message whose payload
// does not fit its type is returned together with a *ProtocolError.
func Unmarshal(b []byte) (Message, error) {
	var (
		m       Message
		kind    PayloadKind
		payload []byte
		hasBody bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			m.ID, b = s, b[n:]
		case num == fieldReplyTo && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			m.ReplyTo, b = s, b[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			if v > math.MaxUint8 {
				return Message{}, malformed(fmt.Errorf("unknown message type %d", v))
			}
			m.Type, b = MessageType(v), b[n:]
		case (num == fieldSender || num == fieldReceiver) && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			a, err := decodeAddress(raw)
			if err != nil {
				return Message{}, malformed(err)
			}
			if num == fieldSender {
				m.Sender = a
			} else {
				m.Receiver = a
			}
			b = b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			if v > math.MaxUint8 {
				return Message{}, malformed(fmt.Errorf("unknown payload kind %d", v))
			}
			kind, b = PayloadKind(v), b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			payload, hasBody, b = raw, true, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !m.Type.Valid() {
		return Message{}, malformed(fmt.Errorf("unknown message type %d", uint8(m.Type)))
	}
	p, err := decodePayload(kind, payload, hasBody)
	if err != nil {
		return Message{}, malformed(err)
	}
	m.Payload = p
	if err := m.Validate(); err != nil {
		return m, &ProtocolError{Msg: m, Err: err}
	}
	return m, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func appendMessage(b []byte, m Message) []byte {
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, m.ID)
	if m.ReplyTo != "" {
		b = protowire.AppendTag(b, fieldReplyTo, protowire.BytesType)
		b = protowire.AppendString(b, m.ReplyTo)
	}
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendBytes(b, appendAddress(nil, m.Sender))
	b = protowire.AppendTag(b, fieldReceiver, protowire.BytesType)
	b = protowire.AppendBytes(b, appendAddress(nil, m.Receiver))

	kind := kindOf(m.Payload)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kind))
	if kind != KindEmpty {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPayload(nil, m.Payload))
	}
	return b
}

func appendPayload(b []byte, p Payload) []byte {
	switch v := p.(type) {
	case Address:
		return appendAddress(b, v)
	case Coordinate:
		return appendCoordinate(b, v)
	case Route:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendCoordinate(nil, v.Current))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendCoordinate(nil, v.Destination))
		return b
	case NodeList:
		for _, rec := range v {
			b = protowire.AppendTag(b, 1, protowire.BytesType)
			b = protowire.AppendBytes(b, appendNodeRecord(nil, rec))
		}
		return b
	case Text:
		return append(b, v...)
	}
	return b
}

func decodePayload(kind PayloadKind, b []byte, hasBody bool) (Payload, error) {
	switch kind {
	case KindEmpty:
		if hasBody && len(b) > 0 {
			return nil, errors.New("empty payload carries a body")
		}
		return Empty{}, nil
	case KindAddress:
		return decodeAddress(b)
	case KindCoordinate:
		return decodeCoordinate(b)
	case KindRoute:
		var r Route
		err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
			if typ != protowire.BytesType {
				return nil
			}
			c, err := decodeCoordinate(v)
			if err != nil {
				return err
			}
			switch num {
			case 1:
				r.Current = c
			case 2:
				r.Destination = c
			}
			return nil
		})
		return r, err
	case KindNodeList:
		list := NodeList{}
		err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
			if num != 1 || typ != protowire.BytesType {
				return nil
			}
			rec, err := decodeNodeRecord(v)
			if err != nil {
				return err
			}
			list = append(list, rec)
			return nil
		})
		return list, err
	case KindText:
		return Text(b), nil
	}
	return nil, fmt.Errorf("unknown payload kind %d", uint8(kind))
}

func appendAddress(b []byte, a Address) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, a.Host)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(a.Port))
}

func decodeAddress(b []byte) (Address, error) {
	var a Address
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			a.Host = string(v)
		case num == 2 && typ == protowire.VarintType:
			if u > 65535 {
				return fmt.Errorf("port %d out of range", u)
			}
			a.Port = int(u)
		}
		return nil
	})
	return a, err
}

func appendCoordinate(b []byte, c Coordinate) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.X)))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.Y)))
}

func decodeCoordinate(b []byte) (Coordinate, error) {
	var c Coordinate
	err := eachField(b, func(num protowire.Number, typ protowire.Type, _ []byte, u uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 1:
			c.X = int(protowire.DecodeZigZag(u))
		case 2:
			c.Y = int(protowire.DecodeZigZag(u))
		}
		return nil
	})
	return c, err
}

func appendNodeRecord(b []byte, n NodeRecord) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Role))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, appendAddress(nil, n.Address))
}

func decodeNodeRecord(b []byte) (NodeRecord, error) {
	var n NodeRecord
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			if u == uint64(RoleUnknown) || u > uint64(RoleClient) {
				return fmt.Errorf("unknown role %d", u)
			}
			n.Role = Role(u)
		case num == 2 && typ == protowire.BytesType:
			a, err := decodeAddress(v)
			if err != nil {
				return err
			}
			n.Address = a
		}
		return nil
	})
	return n, err
}

// eachField walks the fields of an embedded message. Bytes fields are
// passed as v, varint fields as u; other wire types are skipped.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
