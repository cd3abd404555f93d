package sii

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// Profile is one compiled-in (or file-loaded) slave description, used by
// the enumerator as an alternative to parsing SII at bring-up time
// (spec.md §4.E.6, §6 "optional slave config table").
type Profile struct {
	Vendor  uint32
	Product uint32
	Name    string
	IBits   uint32
	OBits   uint32
	SM2Addr uint16
	SM2Flags uint32
	SM3Addr uint16
	SM3Flags uint32
	FMMU0Active bool
	FMMU1Active bool
}

// ProfileTable maps "vendor:product" to a Profile.
type ProfileTable map[string]Profile

func key(vendor, product uint32) string {
	return fmt.Sprintf("%08x:%08x", vendor, product)
}

// Lookup returns the profile for (vendor, product), if one was loaded.
func (t ProfileTable) Lookup(vendor, product uint32) (Profile, bool) {
	p, ok := t[key(vendor, product)]
	return p, ok
}

// LoadProfileTable parses an INI file of slave profiles, one section per
// device:
//
//	[EK1100]
//	vendor = 0x2
//	product = 0x44c2c52
//	ibits = 0
//	obits = 0
//
// This reuses the same ini parsing library the teacher uses for EDS/INI
// object-dictionary files (gopkg.in/ini.v1), repurposed here for the
// master's static slave-profile table.
func LoadProfileTable(path string) (ProfileTable, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("sii: load profile table %s: %w", path, err)
	}
	table := make(ProfileTable)
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		vendor, err := parseHexOrDec(section.Key("vendor").String())
		if err != nil {
			return nil, fmt.Errorf("sii: section %s: vendor: %w", section.Name(), err)
		}
		product, err := parseHexOrDec(section.Key("product").String())
		if err != nil {
			return nil, fmt.Errorf("sii: section %s: product: %w", section.Name(), err)
		}
		p := Profile{
			Vendor:      uint32(vendor),
			Product:     uint32(product),
			Name:        section.Name(),
			IBits:       uint32(section.Key("ibits").MustInt(0)),
			OBits:       uint32(section.Key("obits").MustInt(0)),
			FMMU0Active: section.Key("fmmu0active").MustBool(false),
			FMMU1Active: section.Key("fmmu1active").MustBool(false),
		}
		table[key(p.Vendor, p.Product)] = p
	}
	return table, nil
}

func parseHexOrDec(s string) (uint64, error) {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
