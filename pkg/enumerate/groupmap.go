package enumerate

import (
	"fmt"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/iogroup"
	"github.com/go-ethercat/master/pkg/slave"
)

// ConfigMapGroup assigns logical addresses and programs FMMUs for every
// slave in slaves into group, outputs first then inputs (sequential mode)
// or outputs and inputs sharing the same logical range (overlapping mode),
// breaking the logical range into segments no larger than
// MaxLRWData-FirstDCDatagram (spec.md §4.E.7/§8).
func (e *Enumerator) ConfigMapGroup(group *iogroup.Group, slaves []*slave.Slave, logStartAddr uint32, overlapping bool, timeout time.Duration) error {
	group.Reset(logStartAddr, overlapping)

	outAddr := logStartAddr
	for i := 1; i < len(slaves); i++ {
		s := slaves[i]
		if s == nil || s.IsLost || s.OutputBytes == 0 {
			continue
		}
		placements, err := group.AddSegmentBytes(s.OutputBytes)
		if err != nil {
			return err
		}
		for _, p := range placements {
			if err := e.mapSlaveFMMU(s, outAddr+p.Offset, p.Offset, p.Length, slave.SMOutputs, timeout); err != nil {
				return fmt.Errorf("enumerate: map outputs slave %d: %w", i, err)
			}
		}
		s.OutputOffset = outAddr - logStartAddr
		outAddr += s.OutputBytes
		group.OutputBytes += s.OutputBytes
		if !s.BlockLRW {
			group.OutputsWKC++
		} else {
			group.BlockLRWCount++
		}
	}

	inAddr := outAddr
	if overlapping {
		inAddr = logStartAddr
	} else {
		group.ISegment = group.NSegments - 1
		group.IOffset = group.IOSegment[group.ISegment]
	}
	for i := 1; i < len(slaves); i++ {
		s := slaves[i]
		if s == nil || s.IsLost || s.InputBytes == 0 {
			continue
		}
		var placements []iogroup.SegmentPlacement
		if overlapping {
			// Overlapping inputs share the outputs' logical range and
			// segment set rather than consuming additional capacity, but
			// still need to be split the same way the outputs were.
			placements = group.SegmentsFor(inAddr-logStartAddr, s.InputBytes)
		} else {
			var err error
			placements, err = group.AddSegmentBytes(s.InputBytes)
			if err != nil {
				return err
			}
		}
		for _, p := range placements {
			if err := e.mapSlaveFMMU(s, inAddr+p.Offset, p.Offset, p.Length, slave.SMInputs, timeout); err != nil {
				return fmt.Errorf("enumerate: map inputs slave %d: %w", i, err)
			}
		}
		s.InputOffset = inAddr - logStartAddr
		inAddr += s.InputBytes
		group.InputBytes += s.InputBytes
		if !s.BlockLRW {
			group.InputsWKC++
		}
	}
	for _, s := range slaves {
		if s != nil {
			group.EbusCurrent += int32(s.EbusCurrent)
		}
	}
	return nil
}

// mapSlaveFMMU writes one FMMU entry mapping n bytes of a slave's SM
// buffer, starting physOffset bytes into it, to logicalAddr, consuming the
// slave's next free FMMU slot (spec.md §4.E.7 "find the next free FMMU
// slot"). Callers split a slave's own byte range into one call per segment
// it lands in (iogroup.Group.AddSegmentBytes/SegmentsFor), so no FMMU ever
// crosses the segment boundary (spec.md §8). Each hardware slave exposes
// four FMMU slots shared between outputs and inputs; FMMUUnused tracks how
// many this slave has already consumed.
func (e *Enumerator) mapSlaveFMMU(s *slave.Slave, logicalAddr uint32, physOffset uint32, n uint32, smType slave.SMType, timeout time.Duration) error {
	smIndex := -1
	for i, t := range s.SMType {
		if t == smType {
			smIndex = i
			break
		}
	}
	if smIndex < 0 {
		return ethercat.ErrConfig
	}
	sm := s.SM[smIndex]

	if s.FMMUUnused >= len(s.FMMUs) {
		return ethercat.ErrConfig
	}
	slot := s.FMMUUnused

	buf := make([]byte, ethercat.RegFMMUSize)
	le32put(buf[0:4], logicalAddr)
	le16put(buf[4:6], uint16(n))
	buf[6] = 0 // logical start bit
	buf[7] = 7 // logical end bit
	le16put(buf[8:10], sm.StartAddr+uint16(physOffset))
	buf[10] = 0 // physical start bit
	if smType == slave.SMOutputs {
		buf[11] = 0x02 // write enable
	} else {
		buf[11] = 0x01 // read enable
	}
	buf[12] = 0x01 // activate
	if _, err := e.Port.FPWR(s.ConfiguredAddress, ethercat.RegFMMU0+uint16(slot)*ethercat.RegFMMUSize, buf, timeout); err != nil {
		return err
	}
	s.FMMUs[slot] = slave.FMMU{
		LogicalStart:  logicalAddr,
		LogicalLength: uint16(n),
		PhysicalStart: sm.StartAddr + uint16(physOffset),
		Type:          smType,
		Active:        true,
	}
	s.FMMUFunc[slot] = smType
	s.FMMUUnused++
	return nil
}

func le32put(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func le16put(b []byte, v uint16) {
	b[0], b[1] = byte(v), byte(v>>8)
}
