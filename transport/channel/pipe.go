package channel

import (
	"io"
	"sync"
)

// Pipe returns two connected in-memory Conns. Frames written on one end are
// read on the other. Closing either end fails subsequent IO on both, after
// buffered frames drain on the read side. Intended for tests.
func Pipe() (Conn, Conn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipeConn{in: bToA, out: aToB, local: aClosed, remote: bClosed}
	b := &pipeConn{in: aToB, out: bToA, local: bClosed, remote: aClosed}
	return a, b
}

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	local  chan struct{}
	remote chan struct{}
	once   sync.Once
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	// Drain buffered frames before reporting a close.
	select {
	case data := <-p.in:
		return data, nil
	default:
	}

	select {
	case data := <-p.in:
		return data, nil
	case <-p.local:
		return nil, io.ErrClosedPipe
	case <-p.remote:
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.local:
		return io.ErrClosedPipe
	case <-p.remote:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.local) })
	return nil
}
