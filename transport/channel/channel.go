// Package channel provides ordered, acknowledgment-confirmed message delivery
// over a duplex message connection.
//
// Every application payload travels as a msg frame with a strictly increasing
// id and is confirmed by an ack frame carrying the same id. Acks are emitted
// when a message is consumed by Receive, not when it arrives, so a slow
// consumer backpressures the peer's Send. Sends may pipeline, but the peer
// must ack them in send order; any deviation is fatal for the channel.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rulewire/rulewire/metrics"
	"github.com/rulewire/rulewire/transport/wire"
)

// Conn is the transport a Channel runs over: a duplex, message-oriented
// connection. ReadMessage is called from a single goroutine; WriteMessage
// must be safe to call only under the Channel's own serialization.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// ErrClosed is the failure recorded when the channel is shut down locally.
var ErrClosed = errors.New("channel: closed")

// OrderingViolationError reports an ack whose id does not match the oldest
// in-flight send. The channel is torn down; mismatches are never reordered.
type OrderingViolationError struct {
	Want    uint32 // oldest in-flight send id, valid when HasWant
	HasWant bool
	Got     uint32 // id carried by the offending ack
}

func (e *OrderingViolationError) Error() string {
	if !e.HasWant {
		return fmt.Sprintf("channel: ordering violation: ack %d with no send in flight", e.Got)
	}
	return fmt.Sprintf("channel: ordering violation: ack %d does not match oldest in-flight send %d", e.Got, e.Want)
}

type sendWaiter struct {
	id    uint32
	acked chan struct{}
}

type recvWaiter struct {
	val   json.RawMessage
	ready chan struct{}
}

// Channel is one reliable, ordered message channel over a Conn. Send and
// Receive may be called from any goroutine. All fatal conditions are sticky:
// after the first one, every blocked and future call reports it.
type Channel struct {
	conn Conn

	sendMu sync.Mutex // keeps id reservation and frame write atomic across Sends
	wmu    sync.Mutex // serializes WriteMessage

	mu      sync.Mutex
	seq     wire.Sequence
	pending []*sendWaiter // in-flight sends, oldest first
	inbox   []wire.Frame  // received, unconsumed, unacked
	waiters []*recvWaiter // blocked Receives, oldest first
	failure error

	done     chan struct{} // closed on failure
	readDone chan struct{} // closed when readLoop exits
}

// New wraps conn in a Channel and starts its read loop.
func New(conn Conn) *Channel {
	c := &Channel{
		conn:     conn,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send marshals val, transmits it as the next msg frame, and blocks until the
// peer acks it. Cancelling ctx abandons the channel's protocol position, so it
// fails the whole channel, not just this call.
func (c *Channel) Send(ctx context.Context, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("channel: marshal send value: %w", err)
	}

	w, err := c.transmit(raw)
	if err != nil {
		return err
	}

	select {
	case <-w.acked:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		err := fmt.Errorf("channel: send %d: %w", w.id, ctx.Err())
		c.fail(err)
		return err
	}
}

// transmit reserves the next id, registers the in-flight entry, and writes the
// frame. Registration happens before the write so the peer's ack can never
// outrun it.
func (c *Channel) transmit(raw json.RawMessage) (*sendWaiter, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.failure != nil {
		err := c.failure
		c.mu.Unlock()
		return nil, err
	}
	id, err := c.seq.Next()
	if err != nil {
		c.mu.Unlock()
		c.fail(err)
		return nil, err
	}
	w := &sendWaiter{id: id, acked: make(chan struct{})}
	c.pending = append(c.pending, w)
	c.mu.Unlock()

	frame, err := wire.EncodeMsg(id, raw)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	if err := c.write(frame); err != nil {
		err = fmt.Errorf("channel: write msg %d: %w", id, err)
		c.fail(err)
		return nil, err
	}
	metrics.IncFrame("sent", "msg")
	return w, nil
}

// Receive returns the next inbound message, acking it at the moment of
// delivery. Like Send, a ctx cancellation is fatal for the channel.
func (c *Channel) Receive(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	if c.failure != nil {
		err := c.failure
		c.mu.Unlock()
		return nil, err
	}
	if len(c.inbox) > 0 {
		frame := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.mu.Unlock()
		if err := c.writeAck(frame.ID); err != nil {
			c.fail(err)
			return nil, err
		}
		return frame.Val, nil
	}
	w := &recvWaiter{ready: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return w.val, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		err := fmt.Errorf("channel: receive: %w", ctx.Err())
		c.fail(err)
		return nil, err
	}
}

// Close tears the channel down. Blocked and future calls fail with ErrClosed.
func (c *Channel) Close() error {
	c.fail(ErrClosed)
	<-c.readDone
	return nil
}

// Err returns the sticky failure, or nil while the channel is healthy.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Done is closed once the channel has failed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) readLoop() {
	defer close(c.readDone)
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("channel: read: %w", err))
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			c.fail(err)
			return
		}

		switch frame.Type {
		case wire.FrameAck:
			metrics.IncFrame("received", "ack")
			if err := c.handleAck(frame.ID); err != nil {
				c.fail(err)
				return
			}
		case wire.FrameMsg:
			metrics.IncFrame("received", "msg")
			if err := c.handleMsg(frame); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Channel) handleAck(id uint32) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return &OrderingViolationError{Got: id}
	}
	oldest := c.pending[0]
	if oldest.id != id {
		c.mu.Unlock()
		return &OrderingViolationError{Want: oldest.id, HasWant: true, Got: id}
	}
	c.pending = c.pending[1:]
	c.mu.Unlock()

	close(oldest.acked)
	return nil
}

func (c *Channel) handleMsg(frame wire.Frame) error {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.mu.Unlock()

		// Ack before resolving: the waiter is the consumer.
		if err := c.writeAck(frame.ID); err != nil {
			return err
		}
		w.val = frame.Val
		close(w.ready)
		return nil
	}
	c.inbox = append(c.inbox, frame)
	c.mu.Unlock()
	return nil
}

func (c *Channel) writeAck(id uint32) error {
	data, err := wire.EncodeAck(id)
	if err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		return fmt.Errorf("channel: write ack %d: %w", id, err)
	}
	metrics.IncFrame("sent", "ack")
	return nil
}

func (c *Channel) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(data)
}

// fail records the first fatal error, wakes every blocked call, and closes
// the underlying connection.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.failure != nil {
		c.mu.Unlock()
		return
	}
	c.failure = err
	c.pending = nil
	c.waiters = nil
	c.inbox = nil
	c.mu.Unlock()

	metrics.IncChannelFailure(failureReason(err))
	close(c.done)
	_ = c.conn.Close()
}

func failureReason(err error) string {
	var ordering *OrderingViolationError
	var format *wire.FormatError
	switch {
	case errors.As(err, &ordering):
		return "ordering_violation"
	case errors.As(err, &format):
		return "format"
	case errors.Is(err, wire.ErrIDSpaceExhausted):
		return "id_exhausted"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "io"
	}
}
