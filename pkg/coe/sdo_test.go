package coe

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/link/virtual"
	"github.com/go-ethercat/master/pkg/mailbox"
	"github.com/go-ethercat/master/pkg/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSDOServer answers one SDO upload/download request per mailbox round
// trip with a fixed expedited response, enough to drive Client.Read/Write
// without a full mailbox simulation.
type fakeSDOServer struct {
	writeAddr, readAddr uint16
	sm0Full, sm1Full    bool
	sm1Data             []byte
	lastRequest         []byte
	onRequest           func(req []byte) []byte // builds the SDO response body
}

func (f *fakeSDOServer) responder() virtual.Responder {
	const smStatusOff = 0x05
	return func(frame []byte, n int) ([]byte, int) {
		off := ethercat.EthernetHeaderLen + ethercat.EcatHeaderLen
		cmd := ethercat.Command(frame[off])
		ado := binary.LittleEndian.Uint16(frame[off+4 : off+6])
		lenWord := binary.LittleEndian.Uint16(frame[off+6 : off+8])
		dataLen := int(lenWord & 0x7FF)
		dataStart := off + ethercat.DatagramHeaderLen
		wkc := uint16(1)
		switch {
		case cmd == ethercat.CmdFPRD && ado == ethercat.RegSM0+smStatusOff:
			if f.sm0Full {
				frame[dataStart] = 0x08
			}
		case cmd == ethercat.CmdFPRD && ado == ethercat.RegSM0+ethercat.RegSMSize+smStatusOff:
			if f.sm1Full {
				frame[dataStart] = 0x08
			}
		case cmd == ethercat.CmdFPWR && ado == f.writeAddr:
			f.lastRequest = append([]byte(nil), frame[dataStart:dataStart+dataLen]...)
			body := f.onRequest(f.lastRequest[6:])
			f.sm1Data = append(append([]byte(nil), f.lastRequest[0:6]...), body...)
			f.sm1Full = true
		case cmd == ethercat.CmdFPRD && ado == f.readAddr:
			copy(frame[dataStart:dataStart+dataLen], f.sm1Data)
			f.sm1Full = false
		}
		binary.LittleEndian.PutUint16(frame[dataStart+dataLen:dataStart+dataLen+2], wkc)
		return frame, n
	}
}

func newTestClient(t *testing.T, f *fakeSDOServer) *Client {
	t.Helper()
	busLink, err := virtual.New("test")
	require.NoError(t, err)
	bus := busLink.(*virtual.Bus)
	bus.Responder = f.responder()
	port := ethercat.NewPort(bus, nil, slog.Default())
	port.Start()
	t.Cleanup(func() { port.Close() })
	s := &slave.Slave{
		ConfiguredAddress: 0x1001,
		MailboxWriteAddr:  0x1800, MailboxWriteSize: 32,
		MailboxReadAddr: 0x1c00, MailboxReadSize: 32,
	}
	return &Client{Transport: &mailbox.Transport{Port: port, Slave: s}}
}

func TestReadExpeditedReturnsPayload(t *testing.T) {
	f := &fakeSDOServer{writeAddr: 0x1800, readAddr: 0x1c00}
	f.onRequest = func(req []byte) []byte {
		resp := make([]byte, 10)
		copy(resp[0:2], writeCoEHeader(serviceSDOResponse))
		resp[2] = (scsInitiateUpload << 5) | 0x02 | 0x01 | (0 << 2) // expedited, 4 bytes
		binary.LittleEndian.PutUint16(resp[3:5], 0x6000)
		resp[5] = 1
		binary.LittleEndian.PutUint32(resp[6:10], 0xDEADBEEF)
		return resp
	}
	c := newTestClient(t, f)
	data, err := c.Read(0x6000, 1, false, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(data))
}

func TestReadSurfacesAbortAsSDOError(t *testing.T) {
	f := &fakeSDOServer{writeAddr: 0x1800, readAddr: 0x1c00}
	f.onRequest = func(req []byte) []byte {
		resp := make([]byte, 10)
		copy(resp[0:2], writeCoEHeader(serviceSDOResponse))
		resp[2] = scsAbort << 5
		binary.LittleEndian.PutUint16(resp[3:5], 0x6000)
		resp[5] = 1
		binary.LittleEndian.PutUint32(resp[6:10], uint32(AbortObjectNotExist))
		return resp
	}
	c := newTestClient(t, f)
	var reported ethercat.ErrorItem
	c.OnError = func(i ethercat.ErrorItem) { reported = i }

	_, err := c.Read(0x6000, 1, false, 50*time.Millisecond)
	require.Error(t, err)
	sdoErr, ok := err.(*SDOError)
	require.True(t, ok)
	assert.Equal(t, AbortObjectNotExist, sdoErr.Code)
	assert.Equal(t, uint32(AbortObjectNotExist), reported.Code)
}

func TestWriteExpeditedSendsFourByteInlinePayload(t *testing.T) {
	f := &fakeSDOServer{writeAddr: 0x1800, readAddr: 0x1c00}
	f.onRequest = func(req []byte) []byte {
		resp := make([]byte, 10)
		copy(resp[0:2], writeCoEHeader(serviceSDOResponse))
		resp[2] = scsInitiateDownload << 5
		return resp
	}
	c := newTestClient(t, f)
	err := c.Write(0x6001, 1, false, []byte{0x01, 0x02, 0x03, 0x04}, 50*time.Millisecond)
	require.NoError(t, err)
}
