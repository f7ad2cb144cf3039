package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrClosed is returned by operations on a connection that has been closed
	// by either side.
	ErrClosed = errors.New("connection closed")

	// ErrServing is returned when a direct read is attempted on a connection
	// whose receive loop is running.
	ErrServing = errors.New("connection is serving")

	// ErrUnexpectedReply is returned in handshake mode when the message read
	// back is not the answer to the request just sent.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Handler reacts to one dispatched message. It runs on the receive loop, so
// it must not issue a Request on the same connection.
type Handler func(c *Conn, msg Message)

// Routes is the dispatch table of one kind of link. Each role assembles its
// own table. Initialize, Heartbeat, SyncNodeList and Navigation are
// mandatory, even if the reaction is an ERROR reply. Success, Error and Ack
// may be left nil, in which case the message is logged and dropped.
type Routes struct {
	Initialize   Handler
	Heartbeat    Handler
	SyncNodeList Handler
	Navigation   Handler
	Success      Handler
	Error        Handler
	Ack          Handler
}

// Validate reports a missing mandatory handler.
func (r Routes) Validate() error {
	missing := []struct {
		t MessageType
		h Handler
	}{
		{TypeInitialize, r.Initialize},
		{TypeHeartbeat, r.Heartbeat},
		{TypeSyncNodeList, r.SyncNodeList},
		{TypeNavigation, r.Navigation},
	}
	for _, m := range missing {
		if m.h == nil {
			return fmt.Errorf("routes: no handler for %s", m.t)
		}
	}
	return nil
}

func (r Routes) lookup(t MessageType) Handler {
	switch t {
	case TypeInitialize:
		return r.Initialize
	case TypeHeartbeat:
		return r.Heartbeat
	case TypeSyncNodeList:
		return r.SyncNodeList
	case TypeNavigation:
		return r.Navigation
	case TypeSuccess:
		return r.Success
	case TypeError:
		return r.Error
	case TypeAck:
		return r.Ack
	}
	return nil
}

// RejectWith returns a handler that answers every message with ERROR and
// the given reason. Roles use it for message types that are not valid on
// their link.
func RejectWith(reason string) Handler {
	return func(c *Conn, msg Message) {
		if err := c.Reply(msg, TypeError, Text(reason)); err != nil {
			c.log.Debug("failed to reject message", "type", msg.Type, "error", err)
		}
	}
}

// Options configures a Conn.
type Options struct {
	// Local is written as Sender on replies produced by this side.
	Local Address
	// Logger receives connection events. Defaults to a null logger.
	Logger hclog.Logger
	// WriteTimeout bounds every frame write; 0 disables the bound.
	WriteTimeout time.Duration
	// MaxFrameSize rejects larger incoming frames; 0 disables the bound.
	MaxFrameSize uint32
}

// Conn owns one framed, bidirectional message stream.
//
// A Conn starts in handshake mode: Request writes a message and performs
// exactly one blocking read for its answer, and Receive reads one message.
// Calling Serve switches it, once and for good, to serving mode: a single
// receive loop reads every message, hands replies to the goroutine whose
// Request is waiting on them (matched by Message.ReplyTo) and dispatches
// everything else through the Routes table. Both modes never read at the
// same time: Serve waits for an in-flight handshake exchange to finish.
//
// Any read failure closes the Conn. Closing unblocks the receive loop and
// every pending Request.
type Conn struct {
	raw  net.Conn
	rd   *bufio.Reader
	opts Options
	log  hclog.Logger

	wmu   sync.Mutex // serializes frame writes
	reqMu sync.Mutex // serializes handshake exchanges and the mode switch

	mu      sync.Mutex
	serving bool
	pending map[string]chan Message

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established stream.
func NewConn(raw net.Conn, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Conn{
		raw:     raw,
		rd:      bufio.NewReader(raw),
		opts:    opts,
		log:     logger.With("remote", raw.RemoteAddr().String()),
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr Address, opts Options) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(raw, opts), nil
}

// Local returns the address this side advertises.
func (c *Conn) Local() Address { return c.opts.Local }

// RemoteAddr returns the transport address of the peer.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Logger returns the connection's logger.
func (c *Conn) Logger() hclog.Logger { return c.log }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close closes the stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// Send writes one message. A failed write closes the connection.
func (c *Conn) Send(msg Message) error {
	body, err := Marshal(msg)
	if err != nil {
		return err
	}
	if c.Closed() {
		return ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := WriteFrame(c.raw, body); err != nil {
		c.Close()
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Reply answers req with a message of type t.
func (c *Conn) Reply(req Message, t MessageType, p Payload) error {
	return c.Send(NewReply(req, c.opts.Local, t, p))
}

// Receive reads one message in handshake mode. A *ProtocolError leaves the
// connection open; any other error closes it.
func (c *Conn) Receive() (Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.isServing() {
		return Message{}, ErrServing
	}
	return c.read()
}

// Request sends msg and waits for the message answering it.
//
// In handshake mode the answer is the next message on the stream and must
// carry ReplyTo == msg.ID. In serving mode the receive loop routes the
// answer here. There is no implicit timeout: a context without deadline
// waits until the peer answers or the connection closes. Cancelling ctx
// during a handshake exchange closes the connection, since the stream
// position is no longer known.
func (c *Conn) Request(ctx context.Context, msg Message) (Message, error) {
	c.reqMu.Lock()
	if c.isServing() {
		c.reqMu.Unlock()
		return c.requestServing(ctx, msg)
	}
	defer c.reqMu.Unlock()

	if err := c.Send(msg); err != nil {
		return Message{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetReadDeadline(time.Unix(1, 0))
	})
	reply, err := c.read()
	if !stop() {
		c.Close()
		return Message{}, ctx.Err()
	}
	if err != nil {
		return Message{}, err
	}
	if reply.ReplyTo != msg.ID {
		return reply, fmt.Errorf("%w: %s does not answer %s", ErrUnexpectedReply, reply.Type, msg.Type)
	}
	return reply, nil
}

func (c *Conn) requestServing(ctx context.Context, msg Message) (Message, error) {
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer c.forget(msg.ID)

	if err := c.Send(msg); err != nil {
		return Message{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrClosed
	}
}

// Serve runs the receive loop until the stream fails or is closed, then
// closes the connection. It always returns a non-nil error: io.EOF when the
// peer hung up, ErrClosed when this side closed the connection.
func (c *Conn) Serve(routes Routes) error {
	if err := routes.Validate(); err != nil {
		return err
	}
	c.reqMu.Lock()
	c.mu.Lock()
	if c.serving {
		c.mu.Unlock()
		c.reqMu.Unlock()
		return ErrServing
	}
	c.serving = true
	c.mu.Unlock()
	c.reqMu.Unlock()

	defer c.Close()
	for {
		msg, err := c.read()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.answerViolation(perr)
				continue
			}
			return err
		}
		if msg.ReplyTo != "" && c.deliver(msg) {
			continue
		}
		c.dispatch(routes, msg)
	}
}

func (c *Conn) dispatch(routes Routes, msg Message) {
	c.log.Trace("dispatch", "type", msg.Type, "sender", msg.Sender)
	if h := routes.lookup(msg.Type); h != nil {
		h(c, msg)
		return
	}
	// Only the optional response handlers can be nil here.
	c.log.Warn("response code received without an outstanding request, ignoring",
		"type", msg.Type, "sender", msg.Sender)
}

func (c *Conn) answerViolation(perr *ProtocolError) {
	c.log.Warn("protocol violation", "error", perr)
	if perr.Msg.Type.IsResponse() {
		return
	}
	if err := c.Reply(perr.Msg, TypeError, Text(perr.Err.Error())); err != nil {
		c.log.Debug("failed to answer protocol violation", "error", err)
	}
}

func (c *Conn) deliver(msg Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.ReplyTo]
	if ok {
		delete(c.pending, msg.ReplyTo)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) isServing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serving
}

// read decodes the next message. Transport and decoding failures close the
// connection; a *ProtocolError does not.
func (c *Conn) read() (Message, error) {
	body, err := ReadFrame(c.rd, c.opts.MaxFrameSize)
	if err != nil {
		closed := c.Closed()
		c.Close()
		if closed {
			return Message{}, ErrClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return Message{}, err
	}
	msg, err := Unmarshal(body)
	if err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			c.Close()
		}
		return msg, err
	}
	return msg, nil
}
