package channel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/rulewire/rulewire/transport/wire"
)

// readFrame pulls the next raw frame off a test-driven Conn end.
func readFrame(t *testing.T, conn Conn) wire.Frame {
	t.Helper()
	data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	frame, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return frame
}

func writeAck(t *testing.T, conn Conn, id uint32) {
	t.Helper()
	data, err := wire.EncodeAck(id)
	if err != nil {
		t.Fatalf("EncodeAck failed: %v", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func writeMsg(t *testing.T, conn Conn, id uint32, val string) {
	t.Helper()
	data, err := wire.EncodeMsg(id, json.RawMessage(val))
	if err != nil {
		t.Fatalf("EncodeMsg failed: %v", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func TestChannel_DeliveryOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, connB := Pipe()
	a := New(connA)
	b := New(connB)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	sendErr := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if err := a.Send(ctx, i); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- nil
	}()

	for want := 0; want < 5; want++ {
		raw, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d failed: %v", want, err)
		}
		var got int
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected %d, got %d", want, got)
		}
	}

	if err := <-sendErr; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestChannel_AckOnConsumeBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, connB := Pipe()
	a := New(connA)
	b := New(connB)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	sent := make(chan error, 1)
	go func() { sent <- a.Send(ctx, "payload") }()

	// The frame arrives and is buffered, but nothing is acked until the
	// consumer actually receives it.
	select {
	case err := <-sent:
		t.Fatalf("Send completed before Receive consumed the message (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	raw, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(raw) != `"payload"` {
		t.Errorf("Expected \"payload\", got %s", raw)
	}

	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not complete after the message was consumed")
	}
}

func TestChannel_AckOrderMismatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, peer := Pipe()
	a := New(connA)
	defer a.Close()

	ctx := context.Background()
	first := make(chan error, 1)
	go func() { first <- a.Send(ctx, 0) }()
	if frame := readFrame(t, peer); frame.ID != 0 || frame.Type != wire.FrameMsg {
		t.Fatalf("Expected msg frame id 0, got %+v", frame)
	}

	second := make(chan error, 1)
	go func() { second <- a.Send(ctx, 1) }()
	if frame := readFrame(t, peer); frame.ID != 1 || frame.Type != wire.FrameMsg {
		t.Fatalf("Expected msg frame id 1, got %+v", frame)
	}

	// Ack the second send while the first is still outstanding.
	writeAck(t, peer, 1)

	var violation *OrderingViolationError
	err := <-first
	if !errors.As(err, &violation) {
		t.Fatalf("Expected OrderingViolationError for pending id 0, got %v", err)
	}
	if !violation.HasWant || violation.Want != 0 || violation.Got != 1 {
		t.Errorf("Expected violation want=0 got=1, got %+v", violation)
	}
	if err := <-second; !errors.As(err, &violation) {
		t.Errorf("Expected OrderingViolationError for the queued send, got %v", err)
	}

	// The failure is sticky.
	if err := a.Send(ctx, 2); !errors.As(err, &violation) {
		t.Errorf("Expected sticky OrderingViolationError, got %v", err)
	}
}

func TestChannel_AckWithNoSendInFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, peer := Pipe()
	a := New(connA)
	defer a.Close()

	writeAck(t, peer, 0)

	_, err := a.Receive(context.Background())
	var violation *OrderingViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected OrderingViolationError, got %v", err)
	}
	if violation.HasWant {
		t.Errorf("Expected no expected id, got %+v", violation)
	}
}

func TestChannel_IDSpaceExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, peer := Pipe()
	a := New(connA)
	defer a.Close()

	a.mu.Lock()
	a.seq = wire.NewSequenceFrom(math.MaxUint32)
	a.mu.Unlock()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- a.Send(ctx, "last") }()

	if frame := readFrame(t, peer); frame.ID != math.MaxUint32 {
		t.Fatalf("Expected final id %d, got %d", uint32(math.MaxUint32), frame.ID)
	}
	writeAck(t, peer, math.MaxUint32)
	if err := <-done; err != nil {
		t.Fatalf("Send of the final id failed: %v", err)
	}

	if err := a.Send(ctx, "too far"); !errors.Is(err, wire.ErrIDSpaceExhausted) {
		t.Errorf("Expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestChannel_MalformedFrameIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, peer := Pipe()
	a := New(connA)
	defer a.Close()

	if err := peer.WriteMessage([]byte(`{"type":"bogus","data":1}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	_, err := a.Receive(context.Background())
	var formatErr *wire.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("Expected FormatError, got %v", err)
	}
	if err := a.Send(context.Background(), "x"); !errors.As(err, &formatErr) {
		t.Errorf("Expected sticky FormatError on Send, got %v", err)
	}
}

func TestChannel_ReceiveAcksBuffered(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, peer := Pipe()
	a := New(connA)
	defer a.Close()

	writeMsg(t, peer, 0, `"first"`)
	writeMsg(t, peer, 1, `"second"`)

	ctx := context.Background()
	raw, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(raw) != `"first"` {
		t.Errorf("Expected \"first\", got %s", raw)
	}
	if frame := readFrame(t, peer); frame.Type != wire.FrameAck || frame.ID != 0 {
		t.Fatalf("Expected ack 0, got %+v", frame)
	}

	raw, err = a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(raw) != `"second"` {
		t.Errorf("Expected \"second\", got %s", raw)
	}
	if frame := readFrame(t, peer); frame.Type != wire.FrameAck || frame.ID != 1 {
		t.Fatalf("Expected ack 1, got %+v", frame)
	}
}

func TestChannel_CloseUnblocks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, _ := Pipe()
	a := New(connA)

	got := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-got:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock on Close")
	}
}

func TestChannel_CancelIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	connA, _ := Pipe()
	a := New(connA)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := a.Receive(ctx)
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-got; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if err := a.Send(context.Background(), "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected the cancellation to stick, got %v", err)
	}
}
