package enumerate

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/iogroup"
	"github.com/go-ethercat/master/pkg/link/virtual"
	"github.com/go-ethercat/master/pkg/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFMMUBus only needs to accept FPWR writes to the FMMU register block
// and report a successful WKC; ConfigMapGroup's own bookkeeping is what
// these tests actually exercise.
type fakeFMMUBus struct {
	written map[uint16][]byte // keyed by ado, last FMMU payload written
}

func (f *fakeFMMUBus) responder() virtual.Responder {
	return func(frame []byte, n int) ([]byte, int) {
		off := ethercat.EthernetHeaderLen + ethercat.EcatHeaderLen
		cmd := ethercat.Command(frame[off])
		ado := binary.LittleEndian.Uint16(frame[off+4 : off+6])
		lenWord := binary.LittleEndian.Uint16(frame[off+6 : off+8])
		dataLen := int(lenWord & 0x7FF)
		dataStart := off + ethercat.DatagramHeaderLen
		wkc := uint16(1)
		if cmd == ethercat.CmdFPWR {
			f.written[ado] = append([]byte(nil), frame[dataStart:dataStart+dataLen]...)
		}
		binary.LittleEndian.PutUint16(frame[dataStart+dataLen:dataStart+dataLen+2], wkc)
		return frame, n
	}
}

func newTestEnumeratorWithBus(t *testing.T, f *fakeFMMUBus) *Enumerator {
	t.Helper()
	busLink, err := virtual.New("test")
	require.NoError(t, err)
	bus := busLink.(*virtual.Bus)
	bus.Responder = f.responder()
	port := ethercat.NewPort(bus, nil, slog.Default())
	port.Start()
	t.Cleanup(func() { port.Close() })
	return &Enumerator{Port: port, Logger: slog.Default()}
}

func newIOSlave(addr uint16, outBytes, inBytes uint32) *slave.Slave {
	s := &slave.Slave{ConfiguredAddress: addr, OutputBytes: outBytes, InputBytes: inBytes}
	if outBytes > 0 {
		s.SMType[2] = slave.SMOutputs
		s.SM[2] = slave.SyncManager{StartAddr: 0x1100, Length: uint16(outBytes)}
	}
	if inBytes > 0 {
		s.SMType[3] = slave.SMInputs
		s.SM[3] = slave.SyncManager{StartAddr: 0x1180, Length: uint16(inBytes)}
	}
	return s
}

func TestConfigMapGroupSequentialPlacesInputsAfterOutputs(t *testing.T) {
	f := &fakeFMMUBus{written: map[uint16][]byte{}}
	e := newTestEnumeratorWithBus(t, f)
	slaves := []*slave.Slave{nil, newIOSlave(0x1001, 2, 2)}
	g := &iogroup.Group{}

	require.NoError(t, e.ConfigMapGroup(g, slaves, 0, false, 50*time.Millisecond))

	s := slaves[1]
	assert.Equal(t, uint32(0), s.OutputOffset)
	assert.Equal(t, uint32(2), s.InputOffset)
	assert.Equal(t, uint32(2), g.OutputBytes)
	assert.Equal(t, uint32(2), g.InputBytes)
	assert.Equal(t, uint16(1), g.OutputsWKC)
	assert.Equal(t, uint16(1), g.InputsWKC)
	assert.Equal(t, uint16(3), g.ExpectedWKC())

	outFMMU := f.written[ethercat.RegFMMU0]
	require.Len(t, outFMMU, int(ethercat.RegFMMUSize))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(outFMMU[0:4]))
	assert.Equal(t, uint8(0x02), outFMMU[11]) // write enable

	inFMMU := f.written[ethercat.RegFMMU0+ethercat.RegFMMUSize]
	require.Len(t, inFMMU, int(ethercat.RegFMMUSize))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(inFMMU[0:4]))
	assert.Equal(t, uint8(0x01), inFMMU[11]) // read enable
}

func TestConfigMapGroupOverlappingSharesLogicalRange(t *testing.T) {
	f := &fakeFMMUBus{written: map[uint16][]byte{}}
	e := newTestEnumeratorWithBus(t, f)
	slaves := []*slave.Slave{nil, newIOSlave(0x1001, 2, 2)}
	g := &iogroup.Group{}

	require.NoError(t, e.ConfigMapGroup(g, slaves, 100, true, 50*time.Millisecond))

	s := slaves[1]
	assert.Equal(t, uint32(0), s.OutputOffset)
	assert.Equal(t, uint32(0), s.InputOffset) // overlapping: inputs start back at logStartAddr

	outFMMU := f.written[ethercat.RegFMMU0]
	inFMMU := f.written[ethercat.RegFMMU0+ethercat.RegFMMUSize]
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(outFMMU[0:4]))
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(inFMMU[0:4]))
}

func TestConfigMapGroupSkipsLostAndZeroSizeSlaves(t *testing.T) {
	f := &fakeFMMUBus{written: map[uint16][]byte{}}
	e := newTestEnumeratorWithBus(t, f)
	lost := newIOSlave(0x1002, 2, 0)
	lost.IsLost = true
	zero := newIOSlave(0x1003, 0, 0)
	slaves := []*slave.Slave{nil, newIOSlave(0x1001, 2, 0), lost, zero}
	g := &iogroup.Group{}

	require.NoError(t, e.ConfigMapGroup(g, slaves, 0, false, 50*time.Millisecond))
	assert.Equal(t, uint32(2), g.OutputBytes)
	assert.Equal(t, uint16(1), g.OutputsWKC)
}

func TestConfigMapGroupBlockLRWSlaveCountedSeparately(t *testing.T) {
	f := &fakeFMMUBus{written: map[uint16][]byte{}}
	e := newTestEnumeratorWithBus(t, f)
	blocking := newIOSlave(0x1001, 2, 2)
	blocking.BlockLRW = true
	slaves := []*slave.Slave{nil, blocking}
	g := &iogroup.Group{}

	require.NoError(t, e.ConfigMapGroup(g, slaves, 0, false, 50*time.Millisecond))
	assert.Equal(t, 1, g.BlockLRWCount)
	assert.Equal(t, uint16(0), g.OutputsWKC)
	assert.Equal(t, uint16(0), g.InputsWKC)
}

func TestConfigMapGroupSplitsFMMUAcrossSegmentBoundary(t *testing.T) {
	f := &fakeFMMUBus{written: map[uint16][]byte{}}
	e := newTestEnumeratorWithBus(t, f)
	const segmentCap = ethercat.MaxLRWData - ethercat.FirstDCDatagram

	// filler consumes all but the last byte of segment 0; straddler's
	// 5-byte output then has to split 1/4 across the new segment 1
	// boundary, per spec.md §8.
	filler := newIOSlave(0x1001, segmentCap-1, 0)
	straddler := newIOSlave(0x1002, 5, 0)
	slaves := []*slave.Slave{nil, filler, straddler}
	g := &iogroup.Group{}

	require.NoError(t, e.ConfigMapGroup(g, slaves, 0, false, 50*time.Millisecond))

	assert.Equal(t, 2, g.NSegments)
	assert.Equal(t, uint32(segmentCap), g.IOSegment[0])
	assert.Equal(t, uint32(4), g.IOSegment[1])

	// straddler needed two FMMU writes (one per segment) instead of one
	// monolithic entry spanning the cap.
	assert.Equal(t, 2, straddler.FMMUUnused)
	assert.True(t, straddler.FMMUs[0].Active)
	assert.Equal(t, uint16(1), straddler.FMMUs[0].LogicalLength)
	assert.True(t, straddler.FMMUs[1].Active)
	assert.Equal(t, uint16(4), straddler.FMMUs[1].LogicalLength)
	assert.Equal(t, straddler.SM[2].StartAddr, straddler.FMMUs[0].PhysicalStart)
	assert.Equal(t, straddler.SM[2].StartAddr+1, straddler.FMMUs[1].PhysicalStart)
}

func TestMapSlaveFMMUReturnsConfigErrorWithoutMatchingSM(t *testing.T) {
	f := &fakeFMMUBus{written: map[uint16][]byte{}}
	e := newTestEnumeratorWithBus(t, f)
	s := &slave.Slave{ConfiguredAddress: 0x1001} // no SM slots configured
	err := e.mapSlaveFMMU(s, 0, 0, 2, slave.SMOutputs, 50*time.Millisecond)
	assert.ErrorIs(t, err, ethercat.ErrConfig)
}
