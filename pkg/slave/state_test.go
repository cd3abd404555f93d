package slave

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/link/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeESC simulates a single slave's AL-control/AL-status registers behind
// a virtual.Bus: writing RegALControl immediately updates the state a
// following RegALStatus read reports, the same simplification the
// datagram-engine tests use for the datagram engine itself.
type fakeESC struct {
	state uint8
}

func (f *fakeESC) responder() virtual.Responder {
	return func(frame []byte, n int) ([]byte, int) {
		off := ethercat.EthernetHeaderLen + ethercat.EcatHeaderLen
		cmd := ethercat.Command(frame[off])
		ado := binary.LittleEndian.Uint16(frame[off+4 : off+6])
		lenWord := binary.LittleEndian.Uint16(frame[off+6 : off+8])
		dataLen := int(lenWord & 0x7FF)
		dataStart := off + ethercat.DatagramHeaderLen
		wkc := uint16(1)
		switch cmd {
		case ethercat.CmdBWR, ethercat.CmdFPWR:
			if ado == ethercat.RegALControl {
				f.state = frame[dataStart]
			}
		case ethercat.CmdBRD, ethercat.CmdFPRD:
			if ado == ethercat.RegALStatus {
				frame[dataStart] = f.state
				frame[dataStart+1] = 0
			}
		}
		binary.LittleEndian.PutUint16(frame[dataStart+dataLen:dataStart+dataLen+2], wkc)
		return frame, n
	}
}

func newTestDriver(t *testing.T, esc *fakeESC) *Driver {
	t.Helper()
	busLink, err := virtual.New("test")
	require.NoError(t, err)
	bus := busLink.(*virtual.Bus)
	bus.Responder = esc.responder()
	port := ethercat.NewPort(bus, nil, slog.Default())
	port.Start()
	t.Cleanup(func() { port.Close() })
	return &Driver{Port: port, Slaves: []*Slave{nil, {ConfiguredAddress: 0x1001}}}
}

func TestWriteStateThenStateCheckObservesTarget(t *testing.T) {
	esc := &fakeESC{state: uint8(StateInit)}
	d := newTestDriver(t, esc)

	require.NoError(t, d.WriteState(1, StatePreOp, 50*time.Millisecond))
	st, err := d.StateCheck(1, StatePreOp, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatePreOp, st&^StateAckMask)
}

func TestStateCheckTimesOutWhenSlaveNeverReachesTarget(t *testing.T) {
	esc := &fakeESC{state: uint8(StateInit)}
	d := newTestDriver(t, esc)
	_, err := d.StateCheck(1, StateOp, 10*time.Millisecond)
	assert.ErrorIs(t, err, ethercat.ErrStateTimeout)
}

func TestAckErrorWritesSafeOpWithAckBit(t *testing.T) {
	esc := &fakeESC{state: uint8(StateSafeOp) | uint8(StateAckMask)}
	d := newTestDriver(t, esc)
	require.NoError(t, d.AckError(1, 50*time.Millisecond))
	assert.Equal(t, uint8(StateSafeOp)|uint8(StateAckMask), esc.state)
}

func TestReadStatePopulatesStateForRespondingSlave(t *testing.T) {
	d := newTestDriver(t, &fakeESC{state: uint8(StateOp)})
	require.NoError(t, d.ReadState())
	assert.False(t, d.Slaves[1].IsLost)
	assert.Equal(t, StateOp, d.Slaves[1].State)
}
