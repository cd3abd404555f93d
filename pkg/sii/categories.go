package sii

import (
	"encoding/binary"

	"github.com/go-ethercat/master/pkg/slave"
)

// General holds the CoE/FoE/EoE/SoE detail bytes and E-bus current
// reported by the SII "general" category (spec.md §4.C).
type General struct {
	CoEDetails  uint8
	FoEDetails  uint8
	EoEDetails  uint8
	SoEDetails  uint8
	BlockLRW    bool
	EbusCurrent int16
	NameIndex   uint8
}

// ParseGeneral reads the general category (word offset into the SII as
// returned by Cache.Find) and fills a General record.
func ParseGeneral(c *Cache, wordOffset int) (*General, error) {
	raw, err := c.GetBytes(wordOffset*2, 18)
	if err != nil {
		return nil, err
	}
	g := &General{
		NameIndex:   raw[0],
		CoEDetails:  raw[3],
		FoEDetails:  raw[4],
		EoEDetails:  raw[5],
		SoEDetails:  raw[6],
		BlockLRW:    raw[8]&0x01 != 0,
		EbusCurrent: int16(binary.LittleEndian.Uint16(raw[16:18])),
	}
	return g, nil
}

// ApplyGeneral copies parsed general-category fields onto a Slave record.
func ApplyGeneral(s *slave.Slave, g *General) {
	s.CoEDetails = g.CoEDetails
	s.FoEDetails = g.FoEDetails
	s.EoEDetails = g.EoEDetails
	s.SoEDetails = g.SoEDetails
	s.BlockLRW = g.BlockLRW
	s.EbusCurrent = g.EbusCurrent
}

// ParseString returns the idx'th (1-based) Pascal string from the
// strings category; idx==0 or out of range returns "".
func ParseString(c *Cache, wordOffset int, idx uint8) (string, error) {
	if idx == 0 {
		return "", nil
	}
	byteOff := wordOffset * 2
	count, err := c.GetByte(byteOff)
	if err != nil {
		return "", err
	}
	if int(idx) > int(count) {
		return "", nil
	}
	pos := byteOff + 1
	for i := uint8(1); i <= count; i++ {
		length, err := c.GetByte(pos)
		if err != nil {
			return "", err
		}
		pos++
		if i == idx {
			b, err := c.GetBytes(pos, int(length))
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
		pos += int(length)
	}
	return "", nil
}

// SMRecord is one entry of the SM category (spec.md §4.C).
type SMRecord struct {
	PhysStart uint16
	Length    uint16
	Control   uint8
	Enable    uint8
	Type      slave.SMType
}

// ParseSM parses the array of {phys-start, length, control-reg, enable,
// type} entries in the SM category; lengthWords is the category's
// reported length from Cache.Find.
func ParseSM(c *Cache, wordOffset, lengthWords int) ([]SMRecord, error) {
	n := lengthWords / 4 // each entry is 8 bytes = 4 words
	out := make([]SMRecord, 0, n)
	for i := 0; i < n; i++ {
		raw, err := c.GetBytes((wordOffset+i*4)*2, 8)
		if err != nil {
			return nil, err
		}
		out = append(out, SMRecord{
			PhysStart: binary.LittleEndian.Uint16(raw[0:2]),
			Length:    binary.LittleEndian.Uint16(raw[2:4]),
			Control:   raw[4],
			Enable:    raw[6],
			Type:      slave.SMType(raw[7]),
		})
	}
	return out, nil
}

// ParseFMMU returns up to 4 function codes from the FMMU category.
func ParseFMMU(c *Cache, wordOffset, lengthWords int) ([]uint8, error) {
	n := lengthWords * 2
	if n > 4 {
		n = 4
	}
	raw, err := c.GetBytes(wordOffset*2, n)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// PDOEntry is one mapped entry within a PDO record.
type PDOEntry struct {
	Index     uint16
	SubIndex  uint8
	NameIndex uint8
	DataType  uint8
	BitLength uint8
}

// PDORecord is one {index, n-entries, SM-number, name-index, entries}
// group in the Tx/RxPDO category (spec.md §4.C).
type PDORecord struct {
	Index     uint16
	SMNumber  uint8
	NameIndex uint8
	Entries   []PDOEntry
}

// ParsePDO walks a sequence of PDO records filling lengthWords words.
func ParsePDO(c *Cache, wordOffset, lengthWords int) ([]PDORecord, error) {
	var out []PDORecord
	pos := wordOffset
	end := wordOffset + lengthWords
	for pos < end {
		hdr, err := c.GetBytes(pos*2, 8)
		if err != nil {
			return nil, err
		}
		rec := PDORecord{
			Index:     binary.LittleEndian.Uint16(hdr[0:2]),
			NameIndex: hdr[3],
			SMNumber:  hdr[4],
		}
		nEntries := int(hdr[2])
		pos += 4 // 8 bytes = 4 words
		for e := 0; e < nEntries; e++ {
			eraw, err := c.GetBytes(pos*2, 8)
			if err != nil {
				return nil, err
			}
			rec.Entries = append(rec.Entries, PDOEntry{
				Index:     binary.LittleEndian.Uint16(eraw[0:2]),
				SubIndex:  eraw[2],
				NameIndex: eraw[3],
				DataType:  eraw[4],
				BitLength: eraw[5],
			})
			pos += 4
		}
		out = append(out, rec)
	}
	return out, nil
}

// TotalBits sums the bit length of every entry across a set of PDO
// records, used to derive the expected I/O size from SII when CoE/SoE
// mapping discovery is unavailable (spec.md §4.E.6 SII fallback).
func TotalBits(records []PDORecord) int {
	total := 0
	for _, r := range records {
		for _, e := range r.Entries {
			total += int(e.BitLength)
		}
	}
	return total
}
