package coe

import (
	"encoding/binary"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/mailbox"
)

// DefaultTimeout is the acyclic SDO round-trip bound (spec.md §6 mailbox
// TX/RX timeout).
const DefaultTimeout = 20 * time.Millisecond

// Client drives CoE SDO up/download for one slave over its mailbox.
type Client struct {
	Transport *mailbox.Transport
	OnError   func(ethercat.ErrorItem)
}

func (c *Client) reportError(index uint16, subindex uint8, code AbortCode) {
	if c.OnError != nil {
		c.OnError(ethercat.ErrorItem{Index: index, SubIndex: subindex, Kind: ethercat.ErrorKindSDO, Code: uint32(code)})
	}
}

// Read performs an SDO upload (slave->master). completeAccess requests a
// whole-object read in one exchange when supported by the slave.
func (c *Client) Read(index uint16, subindex uint8, completeAccess bool, timeout time.Duration) ([]byte, error) {
	frame := make([]byte, 10)
	copy(frame[0:2], writeCoEHeader(serviceSDORequest))
	sub := subindex
	cmd := ccsInitiateUpload << 5
	if completeAccess {
		cmd |= 0x10
		sub = 1
	}
	frame[2] = cmd
	binary.LittleEndian.PutUint16(frame[3:5], index)
	frame[5] = sub

	if _, err := c.Transport.Send(mailbox.ProtoCoE, frame, timeout); err != nil {
		return nil, err
	}
	_, resp, _, err := c.Transport.Receive(timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, ethercat.ErrNoFrame
	}
	service := resp[1] >> 4
	if service != serviceSDOResponse {
		return nil, ethercat.ErrNoFrame
	}
	scs := resp[2] >> 5
	if scs == scsAbort {
		code := AbortCode(binary.LittleEndian.Uint32(resp[6:10]))
		c.reportError(index, subindex, code)
		return nil, &SDOError{Index: index, SubIndex: subindex, Code: code}
	}
	expedited := resp[2]&0x02 != 0
	sizeIndicated := resp[2]&0x01 != 0
	if expedited {
		n := 0
		if sizeIndicated {
			n = 4 - int((resp[2]>>2)&0x03)
		} else {
			n = 4
		}
		return append([]byte(nil), resp[6:6+n]...), nil
	}
	// Normal (segmented) transfer: resp[6:10] carries the complete size.
	total := binary.LittleEndian.Uint32(resp[6:10])
	out := make([]byte, 0, total)
	toggle := uint8(0)
	for uint32(len(out)) < total {
		req := make([]byte, 10)
		copy(req[0:2], writeCoEHeader(serviceSDORequest))
		req[2] = (ccsUploadSegment << 5) | (toggle << 4)
		if _, err := c.Transport.Send(mailbox.ProtoCoE, req, timeout); err != nil {
			return nil, err
		}
		_, segResp, _, err := c.Transport.Receive(timeout)
		if err != nil {
			return nil, err
		}
		if len(segResp) < 3 {
			return nil, ethercat.ErrNoFrame
		}
		last := segResp[2]&0x01 != 0
		n := 7 - int((segResp[2]>>1)&0x07)
		out = append(out, segResp[3:3+n]...)
		toggle ^= 1
		if last {
			break
		}
	}
	return out, nil
}

// Write performs an SDO download (master->slave).
func (c *Client) Write(index uint16, subindex uint8, completeAccess bool, data []byte, timeout time.Duration) error {
	if len(data) <= 4 {
		return c.writeExpedited(index, subindex, completeAccess, data, timeout)
	}
	return c.writeSegmented(index, subindex, completeAccess, data, timeout)
}

func (c *Client) writeExpedited(index uint16, subindex uint8, completeAccess bool, data []byte, timeout time.Duration) error {
	frame := make([]byte, 10)
	copy(frame[0:2], writeCoEHeader(serviceSDORequest))
	sub := subindex
	if completeAccess {
		sub = 1
	}
	n := uint8(4 - len(data))
	cmd := (ccsInitiateDownload << 5) | 0x02 /*e*/ | 0x01 /*s*/ | (n << 2)
	if completeAccess {
		cmd |= 0x10
	}
	frame[2] = cmd
	binary.LittleEndian.PutUint16(frame[3:5], index)
	frame[5] = sub
	copy(frame[6:6+len(data)], data)

	if _, err := c.Transport.Send(mailbox.ProtoCoE, frame, timeout); err != nil {
		return err
	}
	return c.expectDownloadAck(index, subindex, timeout)
}

func (c *Client) writeSegmented(index uint16, subindex uint8, completeAccess bool, data []byte, timeout time.Duration) error {
	frame := make([]byte, 10)
	copy(frame[0:2], writeCoEHeader(serviceSDORequest))
	sub := subindex
	cmd := (ccsInitiateDownload << 5) | 0x01 // size indicated, not expedited
	if completeAccess {
		cmd |= 0x10
		sub = 1
	}
	frame[2] = cmd
	binary.LittleEndian.PutUint16(frame[3:5], index)
	frame[5] = sub
	binary.LittleEndian.PutUint32(frame[6:10], uint32(len(data)))
	if _, err := c.Transport.Send(mailbox.ProtoCoE, frame, timeout); err != nil {
		return err
	}
	if err := c.expectDownloadAck(index, subindex, timeout); err != nil {
		return err
	}

	toggle := uint8(0)
	for off := 0; off < len(data); {
		chunk := data[off:]
		n := 7
		last := false
		if len(chunk) <= 7 {
			n = len(chunk)
			last = true
		}
		seg := make([]byte, 10)
		copy(seg[0:2], writeCoEHeader(serviceSDORequest))
		cmdByte := (ccsDownloadSegment << 5) | (toggle << 4) | uint8((7-n)<<1)
		if last {
			cmdByte |= 0x01
		}
		seg[2] = cmdByte
		copy(seg[3:3+n], chunk[:n])
		if _, err := c.Transport.Send(mailbox.ProtoCoE, seg, timeout); err != nil {
			return err
		}
		if err := c.expectDownloadAck(index, subindex, timeout); err != nil {
			return err
		}
		toggle ^= 1
		off += n
	}
	return nil
}

func (c *Client) expectDownloadAck(index uint16, subindex uint8, timeout time.Duration) error {
	_, resp, _, err := c.Transport.Receive(timeout)
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return ethercat.ErrNoFrame
	}
	scs := resp[2] >> 5
	if scs == scsAbort {
		code := AbortCode(binary.LittleEndian.Uint32(resp[6:10]))
		c.reportError(index, subindex, code)
		return &SDOError{Index: index, SubIndex: subindex, Code: code}
	}
	return nil
}
