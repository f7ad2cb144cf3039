package cluster

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrPayloadMismatch is returned when a message carries a payload kind that
// is not allowed for its declared type.
var ErrPayloadMismatch = errors.New("payload does not match message type")

// MessageType is the closed set of message kinds exchanged on every link.
type MessageType uint8

const (
	TypeInitialize MessageType = iota + 1
	TypeHeartbeat
	TypeSyncNodeList
	TypeNavigation
	TypeSuccess
	TypeError
	TypeAck
)

var typeNames = map[MessageType]string{
	TypeInitialize:   "INITIALIZE",
	TypeHeartbeat:    "HEARTBEAT",
	TypeSyncNodeList: "SYNC_NODE_LIST",
	TypeNavigation:   "NAVIGATION",
	TypeSuccess:      "SUCCESS",
	TypeError:        "ERROR",
	TypeAck:          "ACK",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsResponse reports whether t may only appear as the answer to a request.
// Receiving one of these outside an outstanding exchange is a protocol
// violation.
func (t MessageType) IsResponse() bool {
	return t == TypeSuccess || t == TypeError || t == TypeAck
}

// PayloadKind tags the concrete shape of a Payload on the wire.
type PayloadKind uint8

const (
	KindEmpty PayloadKind = iota
	KindAddress
	KindNodeList
	KindRoute
	KindCoordinate
	KindText
)

func (k PayloadKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindAddress:
		return "address"
	case KindNodeList:
		return "node-list"
	case KindRoute:
		return "route"
	case KindCoordinate:
		return "coordinate"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("PayloadKind(%d)", uint8(k))
	}
}

// Payload is the tagged union carried by a Message. The set of
// implementations is closed: Empty, Address, NodeList, Route, Coordinate and
// Text.
type Payload interface {
	Kind() PayloadKind
}

// Empty is the payload of HEARTBEAT and ACK.
type Empty struct{}

// NodeList is the payload of SYNC_NODE_LIST.
type NodeList []NodeRecord

// Route is the payload of NAVIGATION: where the sender is and where it wants
// to go.
type Route struct {
	Current     Coordinate
	Destination Coordinate
}

// Text is a human readable payload used by SUCCESS and ERROR.
type Text string

func (Empty) Kind() PayloadKind      { return KindEmpty }
func (Address) Kind() PayloadKind    { return KindAddress }
func (NodeList) Kind() PayloadKind   { return KindNodeList }
func (Route) Kind() PayloadKind      { return KindRoute }
func (Coordinate) Kind() PayloadKind { return KindCoordinate }
func (Text) Kind() PayloadKind       { return KindText }

// allowedKinds lists which payload shapes each message type may carry.
var allowedKinds = map[MessageType][]PayloadKind{
	TypeInitialize:   {KindAddress},
	TypeHeartbeat:    {KindEmpty},
	TypeSyncNodeList: {KindNodeList},
	TypeNavigation:   {KindRoute},
	TypeSuccess:      {KindCoordinate, KindText},
	TypeError:        {KindText},
	TypeAck:          {KindEmpty},
}

// Message is the only unit of exchange between participants.
//
// ID is unique per message. ReplyTo is empty for requests and unsolicited
// pushes, and holds the ID of the request being answered otherwise; it is
// what lets a serving connection hand a reply to the goroutine waiting for
// it instead of the dispatch table.
type Message struct {
	ID       string
	ReplyTo  string
	Type     MessageType
	Sender   Address
	Receiver Address
	Payload  Payload
}

// NewMessage builds a request or push with a fresh ID.
func NewMessage(t MessageType, from, to Address, p Payload) Message {
	if p == nil {
		p = Empty{}
	}
	return Message{
		ID:       uuid.NewString(),
		Type:     t,
		Sender:   from,
		Receiver: to,
		Payload:  p,
	}
}

// NewReply builds the answer to req. The reply is addressed back to the
// request's sender.
func NewReply(req Message, from Address, t MessageType, p Payload) Message {
	m := NewMessage(t, from, req.Sender, p)
	m.ReplyTo = req.ID
	return m
}

// Validate checks that the message type is known and that its payload is
// one of the shapes allowed for that type.
func (m Message) Validate() error {
	allowed, ok := allowedKinds[m.Type]
	if !ok {
		return fmt.Errorf("unknown message type %d", uint8(m.Type))
	}
	kind := KindEmpty
	if m.Payload != nil {
		kind = m.Payload.Kind()
	}
	for _, k := range allowed {
		if k == kind {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot carry %s", ErrPayloadMismatch, m.Type, kind)
}

// AddressPayload returns the Address carried by an INITIALIZE message.
func (m Message) AddressPayload() (Address, error) {
	a, ok := m.Payload.(Address)
	if !ok {
		return Address{}, fmt.Errorf("%w: want address, got %s", ErrPayloadMismatch, kindOf(m.Payload))
	}
	return a, nil
}

// RoutePayload returns the Route carried by a NAVIGATION message.
func (m Message) RoutePayload() (Route, error) {
	r, ok := m.Payload.(Route)
	if !ok {
		return Route{}, fmt.Errorf("%w: want route, got %s", ErrPayloadMismatch, kindOf(m.Payload))
	}
	return r, nil
}

// CoordinatePayload returns the Coordinate carried by a SUCCESS answer to a
// navigation request.
func (m Message) CoordinatePayload() (Coordinate, error) {
	c, ok := m.Payload.(Coordinate)
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: want coordinate, got %s", ErrPayloadMismatch, kindOf(m.Payload))
	}
	return c, nil
}

// NodeListPayload returns the membership list carried by SYNC_NODE_LIST.
func (m Message) NodeListPayload() (NodeList, error) {
	l, ok := m.Payload.(NodeList)
	if !ok {
		return nil, fmt.Errorf("%w: want node list, got %s", ErrPayloadMismatch, kindOf(m.Payload))
	}
	return l, nil
}

// TextPayload returns the text of a SUCCESS or ERROR message, or the
// formatted payload for other shapes.
func (m Message) TextPayload() string {
	switch p := m.Payload.(type) {
	case Text:
		return string(p)
	case nil:
		return ""
	default:
		return fmt.Sprint(p)
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s->%s %v", m.Type, m.Sender, m.Receiver, m.Payload)
}

func kindOf(p Payload) PayloadKind {
	if p == nil {
		return KindEmpty
	}
	return p.Kind()
}
