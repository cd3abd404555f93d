// Package soe implements SoE (Servo Drive Profile over EtherCAT) IDN
// read/write and the IDN-map discovery used to size cyclic process data
// for drive slaves (spec.md §4.X).
package soe

import (
	"encoding/binary"
	"errors"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/mailbox"
)

// SoE op-codes (IEC 61800-7 / ETG.5003 mailbox header opCode field).
const (
	opReadReq   uint8 = 1
	opReadRes   uint8 = 2
	opWriteReq  uint8 = 3
	opWriteRes  uint8 = 4
	opNotify    uint8 = 5
	opEmergency uint8 = 6
)

// Element selection bits for a read/write request.
const (
	ElementDataState uint8 = 1 << 0
	ElementName      uint8 = 1 << 1
	ElementAttribute uint8 = 1 << 2
	ElementUnit      uint8 = 1 << 3
	ElementMin       uint8 = 1 << 4
	ElementMax       uint8 = 1 << 5
	ElementValue     uint8 = 1 << 6
)

var ErrIncomplete = errors.New("soe: response marked incomplete, fragment read not implemented")

// Client drives SoE IDN access for one slave's mailbox.
type Client struct {
	Transport *mailbox.Transport
}

func buildHeader(opCode uint8, incomplete, errFlag bool, driveNo uint8, elements uint8) []byte {
	h := make([]byte, 2)
	b := opCode & 0x07
	if incomplete {
		b |= 1 << 3
	}
	if errFlag {
		b |= 1 << 4
	}
	b |= (driveNo & 0x07) << 5
	h[0] = b
	h[1] = elements
	return h
}

// ReadIDN reads one IDN (parameter number) with the given element mask.
func (c *Client) ReadIDN(driveNo uint8, idn uint16, elements uint8, timeout time.Duration) ([]byte, error) {
	req := make([]byte, 4)
	copy(req[0:2], buildHeader(opReadReq, false, false, driveNo, elements))
	binary.LittleEndian.PutUint16(req[2:4], idn)
	if _, err := c.Transport.Send(mailbox.ProtoSoE, req, timeout); err != nil {
		return nil, err
	}
	_, resp, _, err := c.Transport.Receive(timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, ethercat.ErrNoFrame
	}
	opCode := resp[0] & 0x07
	incomplete := resp[0]&(1<<3) != 0
	errFlag := resp[0]&(1<<4) != 0
	if opCode != opReadRes {
		return nil, ethercat.ErrNoFrame
	}
	if errFlag {
		return nil, ethercat.ErrIllegalArgument
	}
	if incomplete {
		return nil, ErrIncomplete
	}
	return append([]byte(nil), resp[2:]...), nil
}

// WriteIDN writes one IDN's value element.
func (c *Client) WriteIDN(driveNo uint8, idn uint16, data []byte, timeout time.Duration) error {
	req := make([]byte, 4+len(data))
	copy(req[0:2], buildHeader(opWriteReq, false, false, driveNo, ElementValue))
	binary.LittleEndian.PutUint16(req[2:4], idn)
	copy(req[4:], data)
	if _, err := c.Transport.Send(mailbox.ProtoSoE, req, timeout); err != nil {
		return err
	}
	_, resp, _, err := c.Transport.Receive(timeout)
	if err != nil {
		return err
	}
	if len(resp) < 1 {
		return ethercat.ErrNoFrame
	}
	if resp[0]&(1<<4) != 0 {
		return ethercat.ErrIllegalArgument
	}
	return nil
}

// IDNMap reports the process-data sizes declared by the drive's IDN list,
// as read by read_IDN_map (IDN S-0-0188 output length, S-0-0190 input
// length, in the original reference stack).
type IDNMap struct {
	OutputBytes int
	InputBytes  int
}

const (
	idnOutputLength = 0x00BC // S-0-0188
	idnInputLength  = 0x00BE // S-0-0190
)

// ReadIDNMap discovers a drive's configured process-data lengths.
func (c *Client) ReadIDNMap(driveNo uint8, timeout time.Duration) (IDNMap, error) {
	var m IDNMap
	if out, err := c.ReadIDN(driveNo, idnOutputLength, ElementValue, timeout); err == nil && len(out) >= 2 {
		m.OutputBytes = int(binary.LittleEndian.Uint16(out)) / 8
	}
	if in, err := c.ReadIDN(driveNo, idnInputLength, ElementValue, timeout); err == nil && len(in) >= 2 {
		m.InputBytes = int(binary.LittleEndian.Uint16(in)) / 8
	}
	return m, nil
}
