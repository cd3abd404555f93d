package ethercat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-ethercat/master/pkg/link"
)

// inflightSlot tracks one outstanding datagram index. Only the acquirer
// writes cmd/generation; the receive loop only writes result/delivered,
// guarded by mu — this is the concrete form of the "Port's in-flight table
// is written only by the acquirer; the receive path writes into the cell
// whose index matches" ownership rule from the spec's concurrency model.
type inflightSlot struct {
	mu         sync.Mutex
	generation uint64
	cmd        Command
	waiting    bool
	delivered  bool
	result     Datagram
	done       chan struct{}
}

// Port is the datagram engine: it owns the link(s), the outstanding-index
// free list, and the in-flight table, and exposes synchronous send+wait
// primitives for every EtherCAT command.
type Port struct {
	primary    link.Link
	redundant  link.Link
	indices    *IndexStack
	slots      [MaxIndexSpace]inflightSlot
	logger     *slog.Logger
	recvBuf    []byte
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastDCTime uint64
}

// NewPort binds the datagram engine to primary (and, optionally, a second
// NIC for link-level redundancy — the datagram engine transmits on both,
// per spec.md §9). Responses are read from the primary link only; frames
// arriving on the redundant link are not read.
func NewPort(primary link.Link, redundant link.Link, logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Port{
		primary:   primary,
		redundant: redundant,
		indices:   NewIndexStack(),
		logger:    logger,
		recvBuf:   make([]byte, 2048),
	}
	for i := range p.slots {
		p.slots[i].done = make(chan struct{}, 1)
	}
	return p
}

// Start launches the background receive loop that reads frames off the
// link and dispatches matched datagrams to whichever caller owns the
// index. It must run for the lifetime of the Port; Close stops it.
func (p *Port) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.receiveLoop(ctx)
}

func (p *Port) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := p.primary.Recv(p.recvBuf, 2*time.Millisecond)
		if err != nil {
			continue // timeout or transient: cyclic pacing handled by callers' own timeouts
		}
		datagrams, err := ParseDatagrams(p.recvBuf, n)
		if err != nil {
			continue
		}
		for _, dg := range datagrams {
			p.dispatch(dg)
		}
	}
}

func (p *Port) dispatch(dg Datagram) {
	slot := &p.slots[dg.Index]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.waiting || slot.delivered || slot.cmd != dg.Command {
		// Either nobody is waiting on this index, a duplicate arrived
		// after first match, or it belongs to a prior (timed-out)
		// request — discard.
		return
	}
	slot.result = dg
	slot.delivered = true
	slot.waiting = false
	select {
	case slot.done <- struct{}{}:
	default:
	}
}

// Close stops the receive loop and releases the link(s). Outstanding
// indices are abandoned; their callers observe a timeout.
func (p *Port) Close() error {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
	p.indices.Close()
	if err := p.primary.Close(); err != nil {
		return err
	}
	if p.redundant != nil {
		return p.redundant.Close()
	}
	return nil
}

// SendReceive transmits a single-datagram frame and waits up to timeout
// for a matching response. It returns the response WKC and payload (for
// reads); a zero WKC with a non-nil error indicates a failure (link send
// failed, or no matching response before timeout, spec.md §4.B). The
// response length is not compared with the request length.
func (p *Port) SendReceive(cmd Command, adp, ado uint16, data []byte, timeout time.Duration) (wkc uint16, resp []byte, err error) {
	idx, err := p.indices.Acquire(false)
	if err != nil {
		return 0, nil, err
	}
	defer p.indices.Release(idx)

	slot := &p.slots[idx]
	slot.mu.Lock()
	slot.generation++
	gen := slot.generation
	slot.cmd = cmd
	slot.waiting = true
	slot.delivered = false
	// drain any stale signal
	select {
	case <-slot.done:
	default:
	}
	slot.mu.Unlock()

	buf := make([]byte, EthernetHeaderLen+EcatHeaderLen+DatagramHeaderLen+len(data)+WkcLen)
	if len(buf) < MinEthernetFrame {
		buf = make([]byte, MinEthernetFrame)
	}
	n, err := setupDatagram(buf, cmd, idx, adp, ado, data)
	if err != nil {
		return 0, nil, err
	}
	if err := p.primary.Send(buf[:n]); err != nil {
		p.abandon(slot, gen)
		return 0, nil, ErrLinkSend
	}
	if p.redundant != nil {
		_ = p.redundant.Send(buf[:n]) // best-effort; only the primary link is read for the response
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-slot.done:
		slot.mu.Lock()
		result := slot.result
		delivered := slot.delivered && slot.generation == gen
		slot.mu.Unlock()
		if !delivered {
			return 0, nil, ErrNoFrame
		}
		out := make([]byte, len(result.Data))
		copy(out, result.Data)
		return result.WKC, out, nil
	case <-timer.C:
		p.abandon(slot, gen)
		return 0, nil, ErrNoFrame
	}
}

// abandon invalidates a slot's generation so a late-arriving duplicate or
// delayed response cannot be mistaken for a fresh request's result.
func (p *Port) abandon(slot *inflightSlot, gen uint64) {
	slot.mu.Lock()
	if slot.generation == gen {
		slot.waiting = false
	}
	slot.mu.Unlock()
}

// LastDCTime returns the most recently observed reference-clock time
// piggy-backed via an FRMW/LRWDC exchange (spec.md §4.D, §4.P).
func (p *Port) LastDCTime() uint64 { return p.lastDCTime }

// SetLastDCTime records the most recently observed reference-clock time,
// called by the distributed-clock engine's SyncReferenceClock and by the
// process-data cycle after each piggy-backed FRMW exchange.
func (p *Port) SetLastDCTime(t uint64) { p.lastDCTime = t }
