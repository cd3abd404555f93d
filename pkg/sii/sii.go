// Package sii implements SII/EEPROM access: reading slave EEPROM words
// through datagrams, caching the result, and parsing category records
// (spec.md §4.C).
package sii

import (
	"encoding/binary"
	"time"

	ethercat "github.com/go-ethercat/master"
)

const (
	// MaxEEPBytes bounds the per-slave SII cache (spec.md §6 MAX_EEPBUF).
	MaxEEPBytes = 4096
	// EepromTimeout bounds the busy-bit poll loop (spec.md §6).
	EepromTimeout = 20 * time.Millisecond

	categoryTableStart = 0x40 // word address, spec.md §4.C
	categoryTerminator = 0xFFFF
)

// Category identifies an SII category record type.
type Category uint16

const (
	CategoryStrings  Category = 10
	CategoryDataTypes Category = 20
	CategoryGeneral  Category = 30
	CategoryFMMU     Category = 40
	CategorySM       Category = 41
	CategoryTxPDO    Category = 50
	CategoryRxPDO    Category = 51
	CategoryDC       Category = 60
)

// Cache holds the raw EEPROM bytes read so far for one slave and a bitmap
// tracking which bytes are valid, per spec.md §3 "SII cache".
type Cache struct {
	buf    [MaxEEPBytes]byte
	valid  [MaxEEPBytes / 8]byte
	port   *ethercat.Port
	adp    uint16 // the slave's configured address
}

// NewCache returns an empty SII cache bound to a slave's configured
// address, read through port.
func NewCache(port *ethercat.Port, configuredAddress uint16) *Cache {
	return &Cache{port: port, adp: configuredAddress}
}

func (c *Cache) isValid(byteOffset int) bool {
	return c.valid[byteOffset/8]&(1<<(uint(byteOffset)%8)) != 0
}

func (c *Cache) markValid(byteOffset int) {
	c.valid[byteOffset/8] |= 1 << (uint(byteOffset) % 8)
}

// readWords performs one EEPROM read through the 0x502/0x504/0x508
// register sequence: write control+address, poll busy, read data
// (spec.md §4.C steps 1-3). It reads nWords words, and at least 4 bytes.
func (c *Cache) readWords(wordAddr uint16, nWords int) ([]byte, error) {
	ctrl := make([]byte, 4)
	binary.LittleEndian.PutUint16(ctrl[0:2], ethercat.EepromCtlRead32)
	binary.LittleEndian.PutUint16(ctrl[2:4], wordAddr)
	if _, err := c.port.FPWR(c.adp, ethercat.RegEepromControl, ctrl, 2*time.Millisecond); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(EepromTimeout)
	for {
		_, status, err := c.port.FPRD(c.adp, ethercat.RegEepromControl, 2, 2*time.Millisecond)
		if err != nil {
			return nil, err
		}
		busy := len(status) >= 2 && (binary.LittleEndian.Uint16(status)&ethercat.EepromBusyBit) != 0
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			return nil, ethercat.ErrEepromBusy
		}
		time.Sleep(100 * time.Microsecond)
	}
	dataLen := nWords * 2
	if dataLen < 4 {
		dataLen = 4
	}
	_, data, err := c.port.FPRD(c.adp, ethercat.RegEepromData, dataLen, 2*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// fill reads the 4-byte chunk that starts at the word containing
// byteOffset into the cache, marking each byte valid.
func (c *Cache) fill(byteOffset int) error {
	wordAddr := uint16(byteOffset / 2)
	data, err := c.readWords(wordAddr, 2)
	if err != nil {
		return err
	}
	base := int(wordAddr) * 2
	for i, b := range data {
		if base+i >= MaxEEPBytes {
			break
		}
		c.buf[base+i] = b
		c.markValid(base + i)
	}
	return nil
}

// GetByte returns byte offset from cache if valid, else issues the
// minimal read to fill it (spec.md §4.C "sii_get_byte").
func (c *Cache) GetByte(offset int) (byte, error) {
	if offset < 0 || offset >= MaxEEPBytes {
		return 0, ethercat.ErrIllegalArgument
	}
	if !c.isValid(offset) {
		if err := c.fill(offset); err != nil {
			return 0, err
		}
	}
	return c.buf[offset], nil
}

// GetWord returns the little-endian word at the given word address.
func (c *Cache) GetWord(wordAddr uint16) (uint16, error) {
	lo, err := c.GetByte(int(wordAddr) * 2)
	if err != nil {
		return 0, err
	}
	hi, err := c.GetByte(int(wordAddr)*2 + 1)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

// GetBytes returns n bytes starting at byteOffset, filling any unread
// chunks along the way. Used by string/category parsers.
func (c *Cache) GetBytes(byteOffset, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := c.GetByte(byteOffset + i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Find scans the category table starting at word 0x40 and returns the
// word offset and length (in words) of the first matching category, or
// ok=false if absent (spec.md §4.C "sii_find").
func (c *Cache) Find(cat Category) (wordOffset, lengthWords int, ok bool, err error) {
	pos := categoryTableStart
	for {
		typeWord, err := c.GetWord(uint16(pos))
		if err != nil {
			return 0, 0, false, err
		}
		if typeWord == categoryTerminator {
			return 0, 0, false, nil
		}
		sizeWord, err := c.GetWord(uint16(pos + 1))
		if err != nil {
			return 0, 0, false, err
		}
		if Category(typeWord) == cat {
			return pos + 2, int(sizeWord), true, nil
		}
		pos += 2 + int(sizeWord)
		if pos > MaxEEPBytes/2 {
			return 0, 0, false, nil
		}
	}
}
