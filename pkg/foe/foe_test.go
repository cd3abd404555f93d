package foe

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

// fakeMailboxServer answers each mailbox write with a scripted response
// body, enough to drive a full FoE upload/download loop without a real
// mailbox round trip per packet.
type fakeMailboxServer struct {
	writeAddr, readAddr uint16
	sm0Full, sm1Full    bool
	sm1Data             []byte
	onRequest           func(req []byte) []byte // req is the mailbox payload (post 6-byte header)
}

func (f *fakeMailboxServer) responder() virtual.Responder {
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
			req := append([]byte(nil), frame[dataStart:dataStart+dataLen]...)
			reqLen := int(binary.LittleEndian.Uint16(req[0:2]))
			body := f.onRequest(req[6 : 6+reqLen])
			hdr := append([]byte(nil), req[0:6]...)
			binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(body)))
			f.sm1Data = append(hdr, body...)
			f.sm1Full = true
		case cmd == ethercat.CmdFPRD && ado == f.readAddr:
			copy(frame[dataStart:dataStart+dataLen], f.sm1Data)
			f.sm1Full = false
		}
		binary.LittleEndian.PutUint16(frame[dataStart+dataLen:dataStart+dataLen+2], wkc)
		return frame, n
	}
}

func newTestClient(t *testing.T, f *fakeMailboxServer) *Client {
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
		MailboxWriteAddr:  0x1800, MailboxWriteSize: 64,
		MailboxReadAddr: 0x1c00, MailboxReadSize: 64,
	}
	return &Client{Transport: &mailbox.Transport{Port: port, Slave: s}}
}

func TestUploadReassemblesTwoChunksAndAcks(t *testing.T) {
	chunks := [][]byte{
		[]byte("hello "), // full-size first chunk
		[]byte("world"),  // short final chunk signals EOF
	}
	packet := 0
	var lastAck []byte
	f := &fakeMailboxServer{writeAddr: 0x1800, readAddr: 0x1c00}
	f.onRequest = func(req []byte) []byte {
		if req[0] == opAck {
			lastAck = append([]byte(nil), req...)
		}
		if packet == len(chunks) {
			return make([]byte, 6) // reply to the final ack; no data follows
		}
		packet++
		resp := make([]byte, 6+len(chunks[packet-1]))
		resp[0] = opData
		binary.LittleEndian.PutUint32(resp[2:6], uint32(packet))
		copy(resp[6:], chunks[packet-1])
		return resp
	}
	c := newTestClient(t, f)
	data, err := c.Upload("test.bin", 0, len(chunks[0]), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	require.Len(t, lastAck, 6)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(lastAck[2:6]))
}

func TestUploadErrorReportsFileNotFound(t *testing.T) {
	f := &fakeMailboxServer{writeAddr: 0x1800, readAddr: 0x1c00}
	f.onRequest = func(req []byte) []byte {
		resp := make([]byte, 6)
		resp[0] = opError
		binary.LittleEndian.PutUint32(resp[2:6], 0x8001)
		return resp
	}
	var reported uint32
	c := newTestClient(t, f)
	c.OnError = func(i ethercat.ErrorItem) { reported = i.Code }
	_, err := c.Upload("missing.bin", 0, 64, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, uint32(0x8001), reported)
}

func TestUploadSurfacesPacketNumberMismatch(t *testing.T) {
	f := &fakeMailboxServer{writeAddr: 0x1800, readAddr: 0x1c00}
	f.onRequest = func(req []byte) []byte {
		resp := make([]byte, 6+4)
		resp[0] = opData
		binary.LittleEndian.PutUint32(resp[2:6], 7) // wrong packet number
		return resp
	}
	c := newTestClient(t, f)
	_, err := c.Upload("test.bin", 0, 64, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrPacketMismatch)
}

func TestDownloadSendsTerminatorWhenLastChunkExactlyFillsPayload(t *testing.T) {
	var dataPackets [][]byte
	f := &fakeMailboxServer{writeAddr: 0x1800, readAddr: 0x1c00}
	f.onRequest = func(req []byte) []byte {
		if req[0] == opData {
			chunk := append([]byte(nil), req[6:]...)
			dataPackets = append(dataPackets, chunk)
			resp := make([]byte, 6)
			resp[0] = opAck
			copy(resp[2:6], req[2:6])
			return resp
		}
		return make([]byte, 6) // ack for the initial write request
	}
	c := newTestClient(t, f)
	payload := []byte("abcd") // exactly mbxPayload bytes
	require.NoError(t, c.Download("test.bin", 0, payload, len(payload), 50*time.Millisecond))
	require.Len(t, dataPackets, 2)
	assert.Equal(t, payload, dataPackets[0])
	assert.Empty(t, dataPackets[1]) // trailing zero-length terminator
}
