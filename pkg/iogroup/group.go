// Package iogroup defines Group, the set of slaves sharing a logical
// address segment (spec.md §3). It is a standalone package (rather than
// living alongside the enumerator or the process-data cycle) so that both
// pkg/enumerate (which builds groups) and pkg/process (which drives them
// cyclically) can depend on the same type without an import cycle.
package iogroup

import ethercat "github.com/go-ethercat/master"

// MaxGroups bounds the number of concurrent logical-address segments a
// Context may manage (spec.md §6).
const MaxGroups = 2

// Group is one logical-address segment and its derived bookkeeping.
type Group struct {
	Index         int
	LogStartAddr  uint32
	OutputBytes   uint32
	InputBytes    uint32
	OutputsWKC    uint16 // expected contribution from output-mapped slaves
	InputsWKC     uint16 // expected contribution from input-mapped slaves
	NSegments     int
	IOSegment     [ethercat.MaxIOSegments]uint32 // size of each segment
	ISegment      int    // index of the segment where inputs begin
	IOffset       uint32 // byte offset within that segment where inputs begin
	BlockLRWCount int
	EbusCurrent   int32
	DoCheckState  bool
	Overlapping   bool
}

// ExpectedWKC computes 2*outputsWKC + inputsWKC per the spec.md §3
// invariant: a combined read-write contributes twice, a read-only or
// write-only contributes once.
func (g *Group) ExpectedWKC() uint16 {
	return 2*g.OutputsWKC + g.InputsWKC
}

// Reset clears segment bookkeeping so config_map_group is safely callable
// again after a full teardown (spec.md §9 "FMMU allocator re-entrancy").
func (g *Group) Reset(logStartAddr uint32, overlapping bool) {
	g.LogStartAddr = logStartAddr
	g.OutputBytes = 0
	g.InputBytes = 0
	g.OutputsWKC = 0
	g.InputsWKC = 0
	g.NSegments = 0
	g.IOSegment = [ethercat.MaxIOSegments]uint32{}
	g.ISegment = 0
	g.IOffset = 0
	g.BlockLRWCount = 0
	g.EbusCurrent = 0
	g.Overlapping = overlapping
}

// SegmentPlacement describes one contiguous run of a larger allocation
// that landed inside a single segment.
type SegmentPlacement struct {
	Segment int    // index into IOSegment
	Offset  uint32 // offset from the start of the original allocation
	Length  uint32
}

// AddSegmentBytes grows the group's segment set by n bytes, splitting the
// allocation across a new segment whenever it would otherwise cross the
// per-segment cap (MaxLRWData - FirstDCDatagram), per spec.md §4.E / §8: an
// FMMU (or any other allocation) crossing that boundary is split across two
// segments rather than letting one segment carry more than the cap. It
// returns one placement per contiguous run, in allocation order, so the
// caller can program one FMMU write per run instead of a single FMMU
// spanning the split.
func (g *Group) AddSegmentBytes(n uint32) ([]SegmentPlacement, error) {
	const capPerSegment = ethercat.MaxLRWData - ethercat.FirstDCDatagram
	if g.NSegments == 0 {
		g.NSegments = 1
	}
	var placements []SegmentPlacement
	var placed uint32
	for placed < n {
		cur := g.NSegments - 1
		avail := capPerSegment - g.IOSegment[cur]
		if avail == 0 {
			g.NSegments++
			if g.NSegments > ethercat.MaxIOSegments {
				return placements, ethercat.ErrSegmentOverflow
			}
			cur = g.NSegments - 1
			avail = capPerSegment
		}
		take := n - placed
		if take > avail {
			take = avail
		}
		g.IOSegment[cur] += take
		placements = append(placements, SegmentPlacement{Segment: cur, Offset: placed, Length: take})
		placed += take
	}
	return placements, nil
}

// SegmentsFor splits [offset, offset+n) against the segment boundaries
// already recorded in IOSegment, without growing them. Used for an
// overlapping group's inputs, which share the outputs' logical range and
// segment set instead of consuming additional segment capacity, but still
// need to know where that shared range crosses a segment boundary so their
// own FMMU writes get split the same way the outputs' did.
func (g *Group) SegmentsFor(offset, n uint32) []SegmentPlacement {
	var placements []SegmentPlacement
	var consumed uint32
	var placed uint32
	for seg := 0; seg < g.NSegments && placed < n; seg++ {
		segStart := consumed
		segEnd := consumed + g.IOSegment[seg]
		consumed = segEnd
		if offset+placed >= segEnd {
			continue
		}
		start := offset + placed
		if start < segStart {
			start = segStart
		}
		avail := segEnd - start
		take := n - placed
		if take > avail {
			take = avail
		}
		if take == 0 {
			continue
		}
		placements = append(placements, SegmentPlacement{Segment: seg, Offset: placed, Length: take})
		placed += take
	}
	return placements
}
