// Package broker is the rendezvous between a session's logic goroutine and
// the host orchestrating it. The logic side emits IO events through TriggerIO
// and blocks; the host side drains them through Next and unblocks each one
// with a resumption value. One call is outstanding at a time per logic
// goroutine, which is what makes the surrounding protocol lockstep.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rulewire/rulewire/game/event"
)

// DefaultInputCapacity bounds serialized resumption values when the caller
// has no better number.
const DefaultInputCapacity = 16384

// ErrShutdown is reported by both sides once the broker has been shut down.
var ErrShutdown = errors.New("broker: shut down")

// InputOverflowError reports a resumption value whose serialized form exceeds
// the broker's capacity. The value is never truncated; the call fails on both
// sides instead.
type InputOverflowError struct {
	Size     int
	Capacity int
}

func (e *InputOverflowError) Error() string {
	return fmt.Sprintf("broker: input of %d bytes exceeds capacity %d", e.Size, e.Capacity)
}

// Call is one suspended TriggerIO invocation. The host must finish it with
// exactly one of Resume, ResumeRaw, or Abort.
type Call struct {
	Event event.Event

	capacity int
	once     sync.Once
	reply    chan callReply
}

type callReply struct {
	val json.RawMessage
	err error
}

// Resume marshals v and hands it to the blocked logic side. A serialized
// value over capacity fails the call with *InputOverflowError, returned here
// and delivered to the logic side alike.
func (c *Call) Resume(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		err = fmt.Errorf("broker: marshal resume value: %w", err)
		c.finish(callReply{err: err})
		return err
	}
	return c.ResumeRaw(raw)
}

// ResumeRaw hands an already-serialized value to the blocked logic side.
func (c *Call) ResumeRaw(raw json.RawMessage) error {
	if len(raw) > c.capacity {
		err := &InputOverflowError{Size: len(raw), Capacity: c.capacity}
		c.finish(callReply{err: err})
		return err
	}
	c.finish(callReply{val: raw})
	return nil
}

// Abort fails the blocked logic side with err.
func (c *Call) Abort(err error) {
	c.finish(callReply{err: err})
}

func (c *Call) finish(r callReply) {
	c.once.Do(func() {
		c.reply <- r
	})
}

// Broker carries calls from the logic goroutine to the host. Both sides may
// shut it down; after that every operation fails with the shutdown error.
type Broker struct {
	capacity int
	calls    chan *Call

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// New returns a broker whose resumption values are bounded to capacity bytes
// of serialized JSON. A capacity of zero or less falls back to
// DefaultInputCapacity.
func New(capacity int) *Broker {
	if capacity <= 0 {
		capacity = DefaultInputCapacity
	}
	return &Broker{
		capacity: capacity,
		calls:    make(chan *Call),
		done:     make(chan struct{}),
	}
}

// TriggerIO emits ev to the host and blocks until the host resumes or aborts
// the call, or the broker shuts down.
func (b *Broker) TriggerIO(ev event.Event) (json.RawMessage, error) {
	call := &Call{
		Event:    ev,
		capacity: b.capacity,
		reply:    make(chan callReply, 1),
	}

	select {
	case b.calls <- call:
	case <-b.done:
		return nil, b.shutdownErr()
	}

	select {
	case r := <-call.reply:
		return r.val, r.err
	case <-b.done:
		// A resumption that raced the shutdown still wins; the host already
		// committed to it.
		select {
		case r := <-call.reply:
			return r.val, r.err
		default:
			return nil, b.shutdownErr()
		}
	}
}

// Next blocks until the logic side emits its next call. It returns the
// shutdown error once the broker is shut down, which is how the host learns
// the logic side is gone.
func (b *Broker) Next(ctx context.Context) (*Call, error) {
	select {
	case call := <-b.calls:
		return call, nil
	case <-b.done:
		return nil, b.shutdownErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown releases both sides. Every blocked and future TriggerIO and Next
// reports err (or ErrShutdown when err is nil). Repeated shutdowns keep the
// first error.
func (b *Broker) Shutdown(err error) {
	if err == nil {
		err = ErrShutdown
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
	}
	b.err = err
	close(b.done)
}

func (b *Broker) shutdownErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return ErrShutdown
}
