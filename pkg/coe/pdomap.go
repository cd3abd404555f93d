package coe

import (
	"encoding/binary"
	"time"
)

// PDO-map discovery is per slave: ReadPDOMap reads one slave's mapping
// through its own Client. This package has no concurrent or multi-slave
// variant; callers that map several slaves call it once per slave.

// ReadPDOMap discovers a slave's output/input PDO mapping via CoE objects
// 0x1C00 (SM communication types), 0x1C1x (assignment) and 0x1A00/0x1600
// (mapping), accumulating bit lengths (spec.md §4.X). It returns
// (outputBits, inputBits).
func (c *Client) ReadPDOMap(completeAccess bool) (outputBits, inputBits uint32, err error) {
	smCount, err := c.readUint8(0x1C00, 0, DefaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	for sm := uint8(1); sm <= smCount; sm++ {
		smType, err := c.readUint8(0x1C00, sm, DefaultTimeout)
		if err != nil {
			continue
		}
		// 2=mailbox out, 3=outputs, 4=inputs (CANopen SM-type convention).
		if smType != 3 && smType != 4 {
			continue
		}
		bits, err := c.accumulateAssignment(0x1C10+uint16(sm-1), completeAccess)
		if err != nil {
			continue
		}
		if smType == 3 {
			outputBits += bits
		} else {
			inputBits += bits
		}
	}
	return outputBits, inputBits, nil
}

func (c *Client) accumulateAssignment(assignIndex uint16, completeAccess bool) (uint32, error) {
	n, err := c.readUint8(assignIndex, 0, DefaultTimeout)
	if err != nil {
		return 0, err
	}
	var total uint32
	for i := uint8(1); i <= n; i++ {
		mapIndex, err := c.readUint16(assignIndex, i, DefaultTimeout)
		if err != nil {
			continue
		}
		bits, err := c.accumulateMapping(mapIndex, completeAccess)
		if err != nil {
			continue
		}
		total += bits
	}
	return total, nil
}

// accumulateMapping reads a single PDO mapping object (0x1A00/0x1600
// series), summing bit lengths of each mapped entry. When completeAccess
// is set, it attempts to read the whole mapping in one SDO (spec.md §4.X
// "CA variant").
func (c *Client) accumulateMapping(mapIndex uint16, completeAccess bool) (uint32, error) {
	if completeAccess {
		if raw, err := c.Read(mapIndex, 0, true, DefaultTimeout); err == nil && len(raw) >= 1 {
			n := raw[0]
			var total uint32
			for i := 0; i < int(n) && (i+1)*4+1 <= len(raw); i++ {
				entry := binary.LittleEndian.Uint32(raw[1+i*4 : 1+i*4+4])
				total += uint32(entry & 0xFF)
			}
			return total, nil
		}
	}
	n, err := c.readUint8(mapIndex, 0, DefaultTimeout)
	if err != nil {
		return 0, err
	}
	var total uint32
	for i := uint8(1); i <= n; i++ {
		raw, err := c.Read(mapIndex, i, false, DefaultTimeout)
		if err != nil || len(raw) < 4 {
			continue
		}
		entry := binary.LittleEndian.Uint32(raw)
		total += uint32(entry & 0xFF) // low byte is bit length
	}
	return total, nil
}

func (c *Client) readUint8(index uint16, sub uint8, timeout time.Duration) (uint8, error) {
	raw, err := c.Read(index, sub, false, timeout)
	if err != nil || len(raw) < 1 {
		return 0, err
	}
	return raw[0], nil
}

func (c *Client) readUint16(index uint16, sub uint8, timeout time.Duration) (uint16, error) {
	raw, err := c.Read(index, sub, false, timeout)
	if err != nil || len(raw) < 2 {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw), nil
}
