// Package virtual implements an in-process loopback link.Link, used for
// testing the datagram engine, enumerator and mailbox layers without a real
// NIC. It mirrors the teacher's pkg/can/virtual TCP-loopback bus, but
// simulates a segment of slaves directly instead of going over a socket:
// Responder, if set, inspects/mutates each transmitted frame in place and
// hands it back as the "received" frame, the way a real EtherCAT segment
// would process datagrams in order and append WKC increments.
package virtual

import (
	"sync"
	"time"

	"github.com/go-ethercat/master/pkg/link"
)

func init() {
	link.Register("virtual", New)
}

// Responder simulates a chain of slaves. It receives the raw transmitted
// frame and the number of valid bytes, and must return the frame to
// "reflect" back to the master (typically the same buffer, mutated with
// slave responses and WKC increments).
type Responder func(frame []byte, n int) (reply []byte, replyLen int)

type Bus struct {
	mu        sync.Mutex
	name      string
	Responder Responder
	pending   chan []byte
	closed    bool
}

// New creates an unconnected virtual bus named channel. Tests should type-
// assert the result to *Bus to set Responder before use; while Responder is
// nil, transmitted frames are dropped and Recv times out.
func New(channel string) (link.Link, error) {
	return &Bus{name: channel, pending: make(chan []byte, 64)}, nil
}

func (b *Bus) Name() string { return b.name }

func (b *Bus) Send(buf []byte) error {
	b.mu.Lock()
	responder := b.Responder
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return link.ErrClosed
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	if responder != nil {
		reply, n := responder(cp, len(cp))
		b.pending <- reply[:n]
	}
	return nil
}

func (b *Bus) Recv(buf []byte, timeout time.Duration) (int, error) {
	select {
	case frame, ok := <-b.pending:
		if !ok {
			return 0, link.ErrClosed
		}
		n := copy(buf, frame)
		return n, nil
	case <-time.After(timeout):
		return 0, link.ErrTimeout
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.pending)
	return nil
}
