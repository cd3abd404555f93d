// Package eoe implements EoE (Ethernet over EtherCAT) frame fragmentation
// and the set/get-IP-parameter sub-protocol (spec.md §4.X).
package eoe

import (
	"encoding/binary"
	"errors"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/mailbox"
)

// EoE frame types, carried in bits 12..15 of the fragmentation header's
// first little-endian word.
const (
	typeFragment  uint8 = 0
	typeTimestamp uint8 = 1
	typeSetIP     uint8 = 2
	typeSetIPResp uint8 = 3
	typeGetIP     uint8 = 4
	typeGetIPResp uint8 = 5

	fragHeaderLen = 4
)

var (
	ErrFragmentOutOfOrder = errors.New("eoe: fragment out of order")
	ErrFrameTooLarge      = errors.New("eoe: reassembled frame exceeds buffer")
)

// MaxFrameSize bounds a reassembled Ethernet frame (spec.md §4.X).
const MaxFrameSize = 1518

// Client drives EoE frame send/receive for one slave's mailbox.
type Client struct {
	Transport *mailbox.Transport

	rxFrameNo   uint8
	rxBuf       []byte
	rxFragNo    uint8
	rxAssembled bool
}

// buildFragmentHeader packs the fragmentation header into 4 bytes as two
// little-endian words: the first holds fragNo in bits 0..5, the offset/size
// field in bits 6..11 and the frame type in bits 12..15; the second holds
// frameNo in bits 0..3 and the last-fragment flag in bit 4.
func buildFragmentHeader(frameNo uint8, fragNo uint16, offset uint16, last bool, frameType uint8) []byte {
	h := make([]byte, fragHeaderLen)
	w0 := uint16(fragNo&0x3F) | (uint16(offset&0x3F) << 6) | (uint16(frameType&0x0F) << 12)
	binary.LittleEndian.PutUint16(h[0:2], w0)
	w1 := uint16(frameNo) & 0x0F
	if last {
		w1 |= 0x10
	}
	binary.LittleEndian.PutUint16(h[2:4], w1)
	return h
}

func parseFragmentHeader(h []byte) (fragNo uint16, offsetOrSize uint16, frameType uint8, frameNo uint8, last bool) {
	w0 := binary.LittleEndian.Uint16(h[0:2])
	fragNo = w0 & 0x3F
	offsetOrSize = (w0 >> 6) & 0x3F
	frameType = uint8((w0 >> 12) & 0x0F)
	w1 := binary.LittleEndian.Uint16(h[2:4])
	frameNo = uint8(w1 & 0x0F)
	last = w1&0x10 != 0
	return
}

// SendFrame fragments and transmits an Ethernet frame over the mailbox,
// mbxPayload bytes of data (fragHeaderLen subtracted) per chunk.
func (c *Client) SendFrame(frame []byte, mbxPayload int, timeout time.Duration) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	chunkData := mbxPayload - fragHeaderLen
	if chunkData <= 0 {
		return ethercat.ErrIllegalArgument
	}
	frameNo := c.rxFrameNo
	c.rxFrameNo++
	fragNo := uint16(0)
	for off := 0; off < len(frame); {
		n := chunkData
		if off+n > len(frame) {
			n = len(frame) - off
		}
		last := off+n >= len(frame)
		offsetField := uint16(len(frame) / 32)
		if fragNo != 0 {
			offsetField = uint16(off / 32)
		}
		hdr := buildFragmentHeader(frameNo, fragNo, offsetField, last, typeFragment)
		payload := append(hdr, frame[off:off+n]...)
		if _, err := c.Transport.Send(mailbox.ProtoEoE, payload, timeout); err != nil {
			return err
		}
		off += n
		fragNo++
	}
	return nil
}

// ReceiveFrame drains mailbox fragments until a complete frame is
// reassembled, or the timeout elapses.
func (c *Client) ReceiveFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var out []byte
	expectedFrag := uint16(0)
	for {
		_, payload, dup, err := c.Transport.Receive(timeout)
		if err != nil {
			return nil, err
		}
		if dup || len(payload) < fragHeaderLen {
			if time.Now().After(deadline) {
				return nil, ethercat.ErrTimeout
			}
			continue
		}
		fragNo, _, frameType, _, last := parseFragmentHeader(payload[:fragHeaderLen])
		if frameType != typeFragment {
			if time.Now().After(deadline) {
				return nil, ethercat.ErrTimeout
			}
			continue
		}
		if fragNo != expectedFrag {
			return nil, ErrFragmentOutOfOrder
		}
		out = append(out, payload[fragHeaderLen:]...)
		expectedFrag++
		if last {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, ethercat.ErrTimeout
		}
	}
}

// SetIP requests the slave adopt an IPv4 configuration. ip/gateway/netmask
// are 4-byte big-endian address bytes, dns 4 bytes, nameSuffix optional.
func (c *Client) SetIP(ip, subnet, gateway, dns [4]byte, timeout time.Duration) error {
	payload := make([]byte, fragHeaderLen+16)
	copy(payload[0:4], buildFragmentHeader(0, 0, 0, true, typeSetIP))
	copy(payload[4:8], ip[:])
	copy(payload[8:12], subnet[:])
	copy(payload[12:16], gateway[:])
	copy(payload[16:20], dns[:])
	if _, err := c.Transport.Send(mailbox.ProtoEoE, payload, timeout); err != nil {
		return err
	}
	_, resp, _, err := c.Transport.Receive(timeout)
	if err != nil {
		return err
	}
	if len(resp) < fragHeaderLen {
		return ethercat.ErrNoFrame
	}
	_, _, frameType, _, _ := parseFragmentHeader(resp[:fragHeaderLen])
	if frameType != typeSetIPResp {
		return ethercat.ErrNoFrame
	}
	return nil
}
