// Package process drives the cyclic process-data exchange: one LRW per
// logical segment (or, for a group containing blockLRW slaves, one LWR
// and one LRD covering the whole group), with a trailing FRMW
// distributed-clock read piggy-backed onto the same frame (spec.md §4.P).
package process

import (
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/iogroup"
)

// Cycle holds the per-group I/O buffers driven every cyclic pass.
type Cycle struct {
	Port  *ethercat.Port
	Group *iogroup.Group

	Outputs []byte // group.OutputBytes long, written to the bus
	Inputs  []byte // group.InputBytes long, populated from the bus

	// DCReferenceADP/ADO address the reference clock's system-time
	// register for the piggy-backed FRMW tail slot; zero ADO disables it.
	DCReferenceADP uint16
	DCReferenceADO uint16

	lastWKC uint16
}

// NewCycle allocates Outputs/Inputs sized to group.
func NewCycle(port *ethercat.Port, group *iogroup.Group) *Cycle {
	return &Cycle{
		Port:    port,
		Group:   group,
		Outputs: make([]byte, group.OutputBytes),
		Inputs:  make([]byte, group.InputBytes),
	}
}

// Send transmits the group's current Outputs buffer and blocks for the
// matching response, populating Inputs. It uses one LRW per logical
// segment; a group with BlockLRWCount>0 instead issues one LWR write of
// all outputs followed by one LRD read of all inputs in the same frame,
// since a blockLRW slave cannot service a combined read-write in one pass
// (spec.md §4.P "blockLRW slaves split the access").
func (c *Cycle) Send(timeout time.Duration) error {
	if c.Group.BlockLRWCount > 0 {
		return c.sendSplit(timeout)
	}
	return c.sendCombined(timeout)
}

func (c *Cycle) sendCombined(timeout time.Duration) error {
	specs := c.buildSegmentSpecs()
	hasDCTail := c.DCReferenceADO != 0
	if hasDCTail {
		specs = append(specs, ethercat.DatagramSpec{
			Command: ethercat.CmdFRMW, ADP: c.DCReferenceADP, ADO: c.DCReferenceADO,
			Data: make([]byte, 8),
		})
	}
	results, err := c.Port.SendMultiFrame(specs, timeout)
	if err != nil {
		return err
	}
	if hasDCTail {
		c.applyDCTail(results[len(results)-1])
		results = results[:len(results)-1]
	}
	return c.scatterResults(results)
}

// sendSplit issues an LRD for the input range and an LWR for the output
// range as two separate datagrams in the same frame, which a blockLRW
// slave (one that cannot answer a combined read-write) can still service.
func (c *Cycle) sendSplit(timeout time.Duration) error {
	specs := []ethercat.DatagramSpec{}
	if len(c.Outputs) > 0 {
		specs = append(specs, ethercat.DatagramSpec{
			Command: ethercat.CmdLWR,
			ADP:     uint16(c.Group.LogStartAddr & 0xFFFF),
			ADO:     uint16(c.Group.LogStartAddr >> 16),
			Data:    c.Outputs,
		})
	}
	if len(c.Inputs) > 0 {
		inputAddr := c.Group.LogStartAddr + uint32(len(c.Outputs))
		specs = append(specs, ethercat.DatagramSpec{
			Command: ethercat.CmdLRD,
			ADP:     uint16(inputAddr & 0xFFFF),
			ADO:     uint16(inputAddr >> 16),
			Data:    make([]byte, len(c.Inputs)),
		})
	}
	hasDCTail := c.DCReferenceADO != 0
	if hasDCTail {
		specs = append(specs, ethercat.DatagramSpec{
			Command: ethercat.CmdFRMW, ADP: c.DCReferenceADP, ADO: c.DCReferenceADO,
			Data: make([]byte, 8),
		})
	}
	results, err := c.Port.SendMultiFrame(specs, timeout)
	if err != nil {
		return err
	}
	wkc := uint16(0)
	idx := 0
	if len(c.Outputs) > 0 {
		wkc += results[idx].WKC
		idx++
	}
	if len(c.Inputs) > 0 {
		copy(c.Inputs, results[idx].Data)
		wkc += results[idx].WKC
		idx++
	}
	if hasDCTail {
		c.applyDCTail(results[idx])
		idx++
	}
	c.lastWKC = wkc
	if wkc < c.Group.ExpectedWKC() {
		return ethercat.ErrWkcMismatch
	}
	return nil
}

// applyDCTail feeds the piggy-backed FRMW datagram's response (the
// reference clock's system time, auto-incremented by a slave's read-modify
// latency) into Port.SetLastDCTime, so every cyclic Send keeps
// Port.LastDCTime current rather than only refreshing it once at ConfigDC
// (spec.md §4.P / §4.D convergence requires t_dc updated every cycle).
func (c *Cycle) applyDCTail(d ethercat.Datagram) {
	if d.WKC == 0 || len(d.Data) < 8 {
		return
	}
	c.Port.SetLastDCTime(leGet64(d.Data))
}

func leGet64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// buildSegmentSpecs packs the group's logical range into one LRW per
// segment recorded by the enumerator (spec.md §4.E segment breaking).
func (c *Cycle) buildSegmentSpecs() []ethercat.DatagramSpec {
	var specs []ethercat.DatagramSpec
	addr := c.Group.LogStartAddr
	off := 0
	for seg := 0; seg < c.Group.NSegments; seg++ {
		n := int(c.Group.IOSegment[seg])
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		if off < len(c.Outputs) {
			copyLen := n
			if off+copyLen > len(c.Outputs) {
				copyLen = len(c.Outputs) - off
			}
			copy(data, c.Outputs[off:off+copyLen])
		}
		specs = append(specs, ethercat.DatagramSpec{
			Command: ethercat.CmdLRW,
			ADP:     uint16(addr & 0xFFFF),
			ADO:     uint16(addr >> 16),
			Data:    data,
		})
		addr += uint32(n)
		off += n
	}
	return specs
}

// scatterResults copies each segment's response data back into Inputs at
// the offset recorded by the enumerator (group.ISegment/IOffset) and
// aggregates the working counter.
func (c *Cycle) scatterResults(results []ethercat.Datagram) error {
	wkc := uint16(0)
	nSegResults := c.Group.NSegments
	if nSegResults > len(results) {
		nSegResults = len(results)
	}
	inputsSeen := 0
	byteOff := 0
	for seg := 0; seg < nSegResults; seg++ {
		segLen := int(c.Group.IOSegment[seg])
		data := results[seg].Data
		wkc += results[seg].WKC
		if seg > c.Group.ISegment || (seg == c.Group.ISegment && segLen > 0) {
			start := 0
			if seg == c.Group.ISegment {
				start = int(c.Group.IOffset)
			}
			for i := start; i < segLen && i < len(data); i++ {
				if inputsSeen < len(c.Inputs) {
					c.Inputs[inputsSeen] = data[i]
					inputsSeen++
				}
			}
		}
		byteOff += segLen
	}
	c.lastWKC = wkc
	if wkc < c.Group.ExpectedWKC() {
		return ethercat.ErrWkcMismatch
	}
	return nil
}

// LastWKC returns the aggregated working counter from the most recent
// Send, for the caller to compare against Group.ExpectedWKC itself if it
// wants to distinguish a partial miss from ErrWkcMismatch's all-or-nothing
// signal.
func (c *Cycle) LastWKC() uint16 { return c.lastWKC }
