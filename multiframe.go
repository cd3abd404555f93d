package ethercat

import "time"

// DatagramSpec describes one datagram to be packed into a multi-datagram
// frame built by SendMultiFrame — used by the process-data cycle to pack
// a group's LRW plus a trailing FRMW DC read into a single Ethernet frame
// (spec.md §4.P "append an FRMW of the reference-clock system time into a
// tail slot").
type DatagramSpec struct {
	Command Command
	ADP     uint16
	ADO     uint16
	Data    []byte
}

// SendMultiFrame transmits every spec packed into one frame (each gets its
// own datagram index) and waits for all of them to be matched, or for
// timeout to elapse. Datagrams that never arrive report as a zero-length
// Data/zero WKC entry in the result, in index order matching specs.
func (p *Port) SendMultiFrame(specs []DatagramSpec, timeout time.Duration) ([]Datagram, error) {
	if len(specs) == 0 {
		return nil, ErrIllegalArgument
	}
	indices := make([]uint8, len(specs))
	gens := make([]uint64, len(specs))
	for i := range specs {
		idx, err := p.indices.Acquire(false)
		if err != nil {
			// release everything acquired so far
			for j := 0; j < i; j++ {
				p.indices.Release(indices[j])
			}
			return nil, err
		}
		indices[i] = idx
		slot := &p.slots[idx]
		slot.mu.Lock()
		slot.generation++
		gens[i] = slot.generation
		slot.cmd = specs[i].Command
		slot.waiting = true
		slot.delivered = false
		select {
		case <-slot.done:
		default:
		}
		slot.mu.Unlock()
	}
	defer func() {
		for _, idx := range indices {
			p.indices.Release(idx)
		}
	}()

	buf := make([]byte, EthernetHeaderLen+EcatHeaderLen+len(specs)*(DatagramHeaderLen+WkcLen)+totalDataLen(specs)+8)
	if len(buf) < MinEthernetFrame {
		buf = make([]byte, MinEthernetFrame)
	}
	n, err := setupDatagram(buf, specs[0].Command, indices[0], specs[0].ADP, specs[0].ADO, specs[0].Data)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(specs); i++ {
		n, err = addDatagram(buf, n, specs[i].Command, indices[i], specs[i].ADP, specs[i].ADO, specs[i].Data)
		if err != nil {
			return nil, err
		}
	}
	if err := p.primary.Send(buf[:n]); err != nil {
		for i, idx := range indices {
			p.abandon(&p.slots[idx], gens[i])
		}
		return nil, ErrLinkSend
	}
	if p.redundant != nil {
		_ = p.redundant.Send(buf[:n])
	}

	deadline := time.Now().Add(timeout)
	results := make([]Datagram, len(specs))
	for i, idx := range indices {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		slot := &p.slots[idx]
		select {
		case <-slot.done:
		case <-time.After(remaining):
		}
		slot.mu.Lock()
		if slot.delivered && slot.generation == gens[i] {
			results[i] = slot.result
		}
		slot.waiting = false
		slot.mu.Unlock()
	}
	return results, nil
}

func totalDataLen(specs []DatagramSpec) int {
	n := 0
	for _, s := range specs {
		n += len(s.Data)
	}
	return n
}
