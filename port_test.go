package ethercat

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"github.com/go-ethercat/master/pkg/link/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoWithWKC returns a virtual.Responder that reflects the transmitted
// frame back with the first datagram's data replaced by respData and its
// WKC field set to wkc, simulating one slave answering a single-datagram
// frame.
func echoWithWKC(respData []byte, wkc uint16) virtual.Responder {
	return func(frame []byte, n int) ([]byte, int) {
		off := EthernetHeaderLen + EcatHeaderLen
		lenWord := binary.LittleEndian.Uint16(frame[off+6 : off+8])
		dataLen := int(lenWord & 0x7FF)
		dataStart := off + DatagramHeaderLen
		copy(frame[dataStart:dataStart+dataLen], respData)
		binary.LittleEndian.PutUint16(frame[dataStart+dataLen:dataStart+dataLen+2], wkc)
		return frame, n
	}
}

func newTestPort(t *testing.T, responder virtual.Responder) (*Port, *virtual.Bus) {
	t.Helper()
	busLink, err := virtual.New("test")
	require.NoError(t, err)
	bus := busLink.(*virtual.Bus)
	bus.Responder = responder
	port := NewPort(bus, nil, slog.Default())
	port.Start()
	t.Cleanup(func() { port.Close() })
	return port, bus
}

func TestPortSendReceiveHappyPath(t *testing.T) {
	port, _ := newTestPort(t, echoWithWKC([]byte{0x04, 0x00}, 1))
	wkc, data, err := port.FPRD(0x1001, RegALStatus, 2, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), wkc)
	assert.Equal(t, []byte{0x04, 0x00}, data)
}

func TestPortSendReceiveTimeoutWhenNoResponder(t *testing.T) {
	port, _ := newTestPort(t, nil)
	_, _, err := port.FPRD(0x1001, RegALStatus, 2, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestPortAbandonedRequestIgnoresLateArrival(t *testing.T) {
	// No responder: the first request times out and abandons its slot.
	// A second request reusing the same index space must not observe the
	// first request's (nonexistent) result.
	port, bus := newTestPort(t, nil)
	_, _, err := port.FPRD(0x1001, RegALStatus, 2, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoFrame)

	bus.Responder = echoWithWKC([]byte{0x02, 0x00}, 1)
	wkc, data, err := port.FPRD(0x1001, RegALStatus, 2, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), wkc)
	assert.Equal(t, []byte{0x02, 0x00}, data)
}

func TestPortConcurrentSendReceiveUsesDistinctIndices(t *testing.T) {
	port, _ := newTestPort(t, echoWithWKC([]byte{0x01, 0x00}, 1))
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, _, err := port.FPRD(0x1001, RegALStatus, 2, 100*time.Millisecond)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}
