package enumerate

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/link/virtual"
	"github.com/go-ethercat/master/pkg/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopcountCountsSetBits(t *testing.T) {
	assert.Equal(t, 0, popcount(0))
	assert.Equal(t, 1, popcount(0x04))
	assert.Equal(t, 2, popcount(0x05))
	assert.Equal(t, 4, popcount(0x0F))
}

func TestFindIdentityMatchReturnsFirstOwnerWithSameIdentity(t *testing.T) {
	owner := &slave.Slave{Vendor: 1, Product: 2, Revision: 3}
	candidate := &slave.Slave{Vendor: 1, Product: 2, Revision: 3}
	require.NotNil(t, findIdentityMatch([]*slave.Slave{owner}, candidate))

	different := &slave.Slave{Vendor: 1, Product: 9, Revision: 3}
	assert.Nil(t, findIdentityMatch([]*slave.Slave{owner}, different))
}

// fakeBus simulates one slave's full bring-up surface: AL-control/status,
// the EEPROM control/address/data register sequence (empty category
// table, so passIdentitySII falls back to defaults), DL status, and a
// single-word broadcast read used by CountSlaves.
type fakeBus struct {
	state      uint8
	eepromBuf  []byte
	eepromPend []byte
	slaveCount int
	dlStatus   uint16
}

func (f *fakeBus) responder() virtual.Responder {
	return func(frame []byte, n int) ([]byte, int) {
		off := ethercat.EthernetHeaderLen + ethercat.EcatHeaderLen
		cmd := ethercat.Command(frame[off])
		ado := binary.LittleEndian.Uint16(frame[off+4 : off+6])
		lenWord := binary.LittleEndian.Uint16(frame[off+6 : off+8])
		dataLen := int(lenWord & 0x7FF)
		dataStart := off + ethercat.DatagramHeaderLen
		wkc := uint16(1)
		switch {
		case cmd == ethercat.CmdBRD && ado == ethercat.RegType:
			wkc = uint16(f.slaveCount)
		case (cmd == ethercat.CmdBWR || cmd == ethercat.CmdFPWR) && ado == ethercat.RegALControl:
			f.state = frame[dataStart]
		case (cmd == ethercat.CmdBRD || cmd == ethercat.CmdFPRD) && ado == ethercat.RegALStatus:
			frame[dataStart] = f.state
			frame[dataStart+1] = 0
		case cmd == ethercat.CmdAPWR && ado == ethercat.RegStationAddr:
			// position-addressed station-address assignment; nothing to track
		case cmd == ethercat.CmdBWR && ado == ethercat.RegFMMU0:
			// FMMU clear broadcast
		case cmd == ethercat.CmdFPRD && ado == ethercat.RegDLStatus:
			binary.LittleEndian.PutUint16(frame[dataStart:dataStart+2], f.dlStatus)
		case cmd == ethercat.CmdFPWR && ado == ethercat.RegEepromControl:
			wordAddr := binary.LittleEndian.Uint16(frame[dataStart+2 : dataStart+4])
			byteOff := int(wordAddr) * 2
			end := byteOff + 4
			if end > len(f.eepromBuf) {
				end = len(f.eepromBuf)
			}
			f.eepromPend = f.eepromBuf[byteOff:end]
		case cmd == ethercat.CmdFPRD && ado == ethercat.RegEepromControl:
			frame[dataStart] = 0
			frame[dataStart+1] = 0
		case cmd == ethercat.CmdFPRD && ado == ethercat.RegEepromData:
			copy(frame[dataStart:dataStart+dataLen], f.eepromPend)
		}
		binary.LittleEndian.PutUint16(frame[dataStart+dataLen:dataStart+dataLen+2], wkc)
		return frame, n
	}
}

func newTestEnumerator(t *testing.T, f *fakeBus) *Enumerator {
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

func TestCountSlavesReturnsBroadcastWKC(t *testing.T) {
	f := &fakeBus{slaveCount: 3}
	e := newTestEnumerator(t, f)
	n, err := e.CountSlaves(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestConfigInitReturnsNilWhenBusEmpty(t *testing.T) {
	f := &fakeBus{slaveCount: 0, eepromBuf: make([]byte, sizeWithTerminator())}
	e := newTestEnumerator(t, f)
	slaves, err := e.ConfigInit(10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, slaves)
}

func TestConfigInitRejectsBusLargerThanMaxSlaves(t *testing.T) {
	f := &fakeBus{slaveCount: 5, eepromBuf: make([]byte, sizeWithTerminator())}
	e := newTestEnumerator(t, f)
	_, err := e.ConfigInit(2, 50*time.Millisecond)
	assert.ErrorIs(t, err, ethercat.ErrSlaveCountExceeded)
}

// sizeWithTerminator returns the byte size of an EEPROM image that ends
// right after a category-table terminator slot at word 0x40; callers
// allocate a zero-filled buffer of this size.
func sizeWithTerminator() int {
	return 0x40*2 + 2
}

func TestConfigInitBringsOneSlaveToPreOp(t *testing.T) {
	buf := make([]byte, 0x40*2+2)
	binary.LittleEndian.PutUint16(buf[0x40*2:], 0xFFFF) // empty category table
	f := &fakeBus{
		slaveCount: 1,
		eepromBuf:  buf,
		dlStatus:   1 << 4, // port 0 open: single-port endpoint
		state:      uint8(slave.StateInit),
	}
	e := newTestEnumerator(t, f)
	slaves, err := e.ConfigInit(10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, slaves, 2) // index 0 unused + one slave
	s := slaves[1]
	require.NotNil(t, s)
	assert.Equal(t, uint16(0x1001), s.ConfiguredAddress)
	assert.False(t, s.IsLost)
	assert.Equal(t, slave.StatePreOp, s.State)
	assert.Equal(t, slave.PortEndpoint, s.PortCount)
}

func identityEEPROM(vendor uint32, alias uint16, product, revision uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], vendor)
	binary.LittleEndian.PutUint16(buf[4:6], alias)
	binary.LittleEndian.PutUint32(buf[8:12], product)
	binary.LittleEndian.PutUint32(buf[12:16], revision)
	return buf
}

func TestRecoverSlaveCommitsAddressWhenIdentityMatches(t *testing.T) {
	f := &fakeBus{eepromBuf: identityEEPROM(1, 7, 2, 3)}
	e := newTestEnumerator(t, f)
	s := &slave.Slave{ConfiguredAddress: 0x1001, Alias: 7, Vendor: 1, Product: 2, Revision: 3, IsLost: true}

	require.NoError(t, e.RecoverSlave(s, 0, 50*time.Millisecond))
	assert.False(t, s.IsLost)
}

func TestRecoverSlaveRejectsMismatchedIdentityWithoutCommitting(t *testing.T) {
	f := &fakeBus{eepromBuf: identityEEPROM(1, 7, 99, 3)} // product differs
	e := newTestEnumerator(t, f)
	s := &slave.Slave{ConfiguredAddress: 0x1001, Alias: 7, Vendor: 1, Product: 2, Revision: 3, IsLost: true}

	err := e.RecoverSlave(s, 0, 50*time.Millisecond)
	assert.ErrorIs(t, err, ethercat.ErrSlaveNotFound)
	assert.True(t, s.IsLost) // left unrecovered rather than wrongly committed
}
