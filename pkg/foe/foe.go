// Package foe implements the FoE (File over EtherCAT) windowed file
// transfer: one outstanding datagram, monotonically increasing packet
// numbers acknowledged by number (spec.md §4.X).
package foe

import (
	"encoding/binary"
	"errors"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/mailbox"
)

const (
	opRead  uint8 = 1
	opWrite uint8 = 2
	opData  uint8 = 3
	opAck   uint8 = 4
	opError uint8 = 5
	opBusy  uint8 = 6

	// MaxBusyRetries bounds the resend loop when the peer requests
	// retransmission of the last chunk (spec.md §4.X, recovered from
	// original_source/soem/ethercatfoe.c's retry bound).
	MaxBusyRetries = 5
)

var (
	ErrFileNotFound    = errors.New("foe: file not found")
	ErrBufferTooSmall  = errors.New("foe: buffer too small")
	ErrPacketMismatch  = errors.New("foe: packet number mismatch")
	ErrTooManyRetries  = errors.New("foe: exceeded max busy retries")
)

// ProgressFunc reports transfer progress; used to drive the Context's
// optional FoE progress hook (spec.md §3).
type ProgressFunc func(bytesDone, bytesTotal int)

// Client drives FoE transfers for one slave.
type Client struct {
	Transport *mailbox.Transport
	OnError   func(ethercat.ErrorItem)
	Progress  ProgressFunc
}

func (c *Client) reportError(code uint32) {
	if c.OnError != nil {
		c.OnError(ethercat.ErrorItem{Kind: ethercat.ErrorKindFoE, Code: code})
	}
}

// Upload reads filename from the slave, returning its contents. mbxPayload
// is the slave's mailbox data-segment size (its TX mailbox size minus
// header), used to detect EOF from a short final packet.
func (c *Client) Upload(filename string, password uint32, mbxPayload int, timeout time.Duration) ([]byte, error) {
	req := make([]byte, 6+len(filename))
	req[0] = opRead
	binary.LittleEndian.PutUint32(req[2:6], password)
	copy(req[6:], filename)
	if _, err := c.Transport.Send(mailbox.ProtoFoE, req, timeout); err != nil {
		return nil, err
	}

	var out []byte
	expected := uint32(0)
	retries := 0
	for {
		_, resp, _, err := c.Transport.Receive(timeout)
		if err != nil {
			return nil, err
		}
		if len(resp) < 6 {
			return nil, ethercat.ErrNoFrame
		}
		switch resp[0] {
		case opData:
			packetNo := binary.LittleEndian.Uint32(resp[2:6])
			if packetNo != expected+1 {
				return nil, ErrPacketMismatch
			}
			expected = packetNo
			chunk := resp[6:]
			out = append(out, chunk...)
			if c.Progress != nil {
				c.Progress(len(out), -1)
			}
			ack := make([]byte, 6)
			ack[0] = opAck
			binary.LittleEndian.PutUint32(ack[2:6], packetNo)
			if _, err := c.Transport.Send(mailbox.ProtoFoE, ack, timeout); err != nil {
				return nil, err
			}
			if len(chunk) < mbxPayload {
				return out, nil // short chunk signals EOF
			}
		case opError:
			code := binary.LittleEndian.Uint32(resp[2:6])
			c.reportError(code)
			if code == 0x8001 {
				return nil, ErrFileNotFound
			}
			return nil, ethercat.ErrIllegalArgument
		case opBusy:
			retries++
			if retries > MaxBusyRetries {
				return nil, ErrTooManyRetries
			}
			continue
		default:
			return nil, ethercat.ErrNoFrame
		}
	}
}

// Download writes data as filename to the slave. If the final chunk
// happens to be exactly mbxPayload bytes, an extra zero-length chunk is
// sent to terminate the stream unambiguously (spec.md §4.X).
func (c *Client) Download(filename string, password uint32, data []byte, mbxPayload int, timeout time.Duration) error {
	req := make([]byte, 6+len(filename))
	req[0] = opWrite
	binary.LittleEndian.PutUint32(req[2:6], password)
	copy(req[6:], filename)
	if _, err := c.Transport.Send(mailbox.ProtoFoE, req, timeout); err != nil {
		return err
	}
	if err := c.expectAck(0, timeout); err != nil {
		return err
	}

	packetNo := uint32(0)
	off := 0
	lastWasFull := false
	for off < len(data) || !sentAtLeastOnce(off, len(data)) {
		chunkLen := mbxPayload
		if off+chunkLen > len(data) {
			chunkLen = len(data) - off
		}
		if err := c.sendDataChunk(packetNo+1, data[off:off+chunkLen], timeout); err != nil {
			return err
		}
		packetNo++
		off += chunkLen
		lastWasFull = chunkLen == mbxPayload
		if off >= len(data) {
			break
		}
	}
	if lastWasFull {
		if err := c.sendDataChunk(packetNo+1, nil, timeout); err != nil {
			return err
		}
	}
	return nil
}

func sentAtLeastOnce(off, total int) bool { return off > 0 || total == 0 }

func (c *Client) sendDataChunk(packetNo uint32, chunk []byte, timeout time.Duration) error {
	retries := 0
	for {
		frame := make([]byte, 6+len(chunk))
		frame[0] = opData
		binary.LittleEndian.PutUint32(frame[2:6], packetNo)
		copy(frame[6:], chunk)
		if _, err := c.Transport.Send(mailbox.ProtoFoE, frame, timeout); err != nil {
			return err
		}
		_, resp, _, err := c.Transport.Receive(timeout)
		if err != nil {
			return err
		}
		if len(resp) < 6 {
			return ethercat.ErrNoFrame
		}
		switch resp[0] {
		case opAck:
			if binary.LittleEndian.Uint32(resp[2:6]) != packetNo {
				return ErrPacketMismatch
			}
			return nil
		case opBusy:
			retries++
			if retries > MaxBusyRetries {
				return ErrTooManyRetries
			}
			continue
		case opError:
			code := binary.LittleEndian.Uint32(resp[2:6])
			c.reportError(code)
			return ethercat.ErrIllegalArgument
		default:
			return ethercat.ErrNoFrame
		}
	}
}

func (c *Client) expectAck(packetNo uint32, timeout time.Duration) error {
	_, resp, _, err := c.Transport.Receive(timeout)
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return ethercat.ErrNoFrame
	}
	if resp[0] == opError {
		code := binary.LittleEndian.Uint32(resp[2:6])
		c.reportError(code)
		if code == 0x8001 {
			return ErrFileNotFound
		}
		return ethercat.ErrIllegalArgument
	}
	return nil
}
