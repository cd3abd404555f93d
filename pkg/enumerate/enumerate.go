// Package enumerate implements bus scan and slave configuration:
// config_init's address assignment and four interleaved discovery passes,
// and config_map_group's FMMU/SyncManager allocation (spec.md §4.E).
package enumerate

import (
	"fmt"
	"log/slog"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/sii"
	"github.com/go-ethercat/master/pkg/slave"
)

// firstConfiguredAddress is added to a slave's bus position to derive its
// configured station address, the same convention the reference stack
// uses (position 0 -> 0x1001, position 1 -> 0x1002, ...).
const firstConfiguredAddress = 0x1000

// Enumerator drives bus scan and slave bring-up over one Port.
type Enumerator struct {
	Port         *ethercat.Port
	Logger       *slog.Logger
	ProfileTable sii.ProfileTable
}

func (e *Enumerator) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// CountSlaves broadcasts a read and returns the WKC, which equals the
// number of slaves present on the bus (spec.md §4.E.1).
func (e *Enumerator) CountSlaves(timeout time.Duration) (int, error) {
	wkc, _, err := e.Port.BRD(ethercat.RegType, 1, timeout)
	if err != nil {
		return 0, err
	}
	return int(wkc), nil
}

// ConfigInit performs the full bus bring-up: broadcast the network to
// INIT, assign configured station addresses by position, then run four
// sequential passes (topology, identity plus SII general/strings/SM/PDO
// categories, mailbox SyncManager programming, and the PRE-OP
// transition), per spec.md §4.E.
func (e *Enumerator) ConfigInit(maxSlaves int, timeout time.Duration) ([]*slave.Slave, error) {
	if _, err := e.Port.BWR(ethercat.RegALControl, []byte{byte(ethercat.ALControlInit), 0}, timeout); err != nil {
		return nil, fmt.Errorf("enumerate: broadcast init: %w", err)
	}
	// Clear every FMMU slot network-wide; a cold-booted ESC may retain
	// mappings from a previous master session.
	zeroFMMU := make([]byte, ethercat.RegFMMUSize)
	if _, err := e.Port.BWR(ethercat.RegFMMU0, zeroFMMU, timeout); err != nil {
		return nil, fmt.Errorf("enumerate: clear FMMUs: %w", err)
	}

	n, err := e.CountSlaves(timeout)
	if err != nil {
		return nil, fmt.Errorf("enumerate: count slaves: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if n > maxSlaves {
		return nil, ethercat.ErrSlaveCountExceeded
	}

	slaves := make([]*slave.Slave, n+1) // index 0 unused, matches Driver convention
	for i := 1; i <= n; i++ {
		adp := slave.PositionADP(i - 1)
		addr := uint16(firstConfiguredAddress + i)
		if _, err := e.Port.APWR(adp, ethercat.RegStationAddr, []byte{byte(addr), byte(addr >> 8)}, timeout); err != nil {
			return nil, fmt.Errorf("enumerate: assign address to position %d: %w", i-1, err)
		}
		slaves[i] = &slave.Slave{ConfiguredAddress: addr}
	}

	if err := e.passTopology(slaves, timeout); err != nil {
		return nil, err
	}
	if err := e.passIdentitySII(slaves, timeout); err != nil {
		return nil, err
	}
	if err := e.passMailboxProgram(slaves, timeout); err != nil {
		return nil, err
	}
	if err := e.passPreOp(slaves, timeout); err != nil {
		return nil, err
	}
	return slaves, nil
}

// passTopology reads each slave's DL status to classify its active-port
// count, then derives a parent index by walking slaves in station-address
// order and matching open downstream ports (spec.md §4.E.2 topology
// discovery). This is a simplification of a full ring walk: it assumes
// slaves respond to FPRD in the order they were addressed, which holds for
// config_init's own APWR loop above.
func (e *Enumerator) passTopology(slaves []*slave.Slave, timeout time.Duration) error {
	openParent := 0 // index of the most recent slave with an unclaimed downstream port
	for i := 1; i < len(slaves); i++ {
		s := slaves[i]
		_, data, err := e.Port.FPRD(s.ConfiguredAddress, ethercat.RegDLStatus, 2, timeout)
		if err != nil || len(data) < 2 {
			s.IsLost = true
			continue
		}
		status := uint16(data[0]) | uint16(data[1])<<8
		active := uint8(0)
		for port := 0; port < 4; port++ {
			if status&(1<<(4+uint(port))) != 0 {
				active |= 1 << uint(port)
			}
		}
		s.ActivePorts = active
		switch popcount(active) {
		case 1:
			s.PortCount = slave.PortEndpoint
		case 2:
			s.PortCount = slave.PortInline
		case 3:
			s.PortCount = slave.PortSplit
		default:
			s.PortCount = slave.PortCross
		}
		s.ParentIndex = openParent
		if s.PortCount != slave.PortEndpoint {
			openParent = i
		}
	}
	return nil
}

func popcount(b uint8) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// passIdentitySII reads vendor/alias/product/revision and the SII
// general/strings/SM/FMMU categories for each slave, skipping the SII read
// entirely when a prior slave with the same identity has already supplied
// those fields (spec.md §4.E.6 "identity matching skip"), or when a
// compiled-in profile table entry matches instead.
func (e *Enumerator) passIdentitySII(slaves []*slave.Slave, timeout time.Duration) error {
	var identityOwners []*slave.Slave
	for i := 1; i < len(slaves); i++ {
		s := slaves[i]
		if s.IsLost {
			continue
		}
		cache := sii.NewCache(e.Port, s.ConfiguredAddress)
		idWords, err := cache.GetBytes(0, 16)
		if err != nil {
			s.IsLost = true
			continue
		}
		s.Vendor = le32(idWords[0:4])
		s.Alias = le16(idWords[4:6])
		s.Product = le32(idWords[8:12])
		s.Revision = le32(idWords[12:16])

		if reused := findIdentityMatch(identityOwners, s); reused != nil {
			s.CopySIIFields(reused)
			continue
		}
		if e.ProfileTable != nil {
			if p, ok := e.ProfileTable.Lookup(s.Vendor, s.Product); ok {
				applyProfile(s, p)
				identityOwners = append(identityOwners, s)
				continue
			}
		}
		if err := e.readSIICategories(cache, s); err != nil {
			e.log().Warn("sii category read failed, slave keeps defaults", "slave", i, "err", err)
		}
		identityOwners = append(identityOwners, s)
	}
	return nil
}

func findIdentityMatch(owners []*slave.Slave, s *slave.Slave) *slave.Slave {
	for _, o := range owners {
		if s.HasIdentity(o) {
			return o
		}
	}
	return nil
}

func applyProfile(s *slave.Slave, p sii.Profile) {
	s.Name = p.Name
	s.OutputBits = p.OBits
	s.InputBits = p.IBits
	s.OutputBytes = (p.OBits + 7) / 8
	s.InputBytes = (p.IBits + 7) / 8
	if p.SM2Addr != 0 {
		s.SM[2] = slave.SyncManager{StartAddr: p.SM2Addr, Flags: uint8(p.SM2Flags), Enabled: true}
		s.SMType[2] = slave.SMOutputs
	}
	if p.SM3Addr != 0 {
		s.SM[3] = slave.SyncManager{StartAddr: p.SM3Addr, Flags: uint8(p.SM3Flags), Enabled: true}
		s.SMType[3] = slave.SMInputs
	}
}

func (e *Enumerator) readSIICategories(cache *sii.Cache, s *slave.Slave) error {
	if off, n, ok, err := cache.Find(sii.CategoryGeneral); err != nil {
		return err
	} else if ok {
		g, err := sii.ParseGeneral(cache, off)
		if err == nil {
			sii.ApplyGeneral(s, g)
			if g.NameIndex != 0 {
				if strOff, _, ok, _ := cache.Find(sii.CategoryStrings); ok {
					if name, err := sii.ParseString(cache, strOff, g.NameIndex); err == nil {
						s.Name = name
					}
				}
			}
		}
		_ = n
	}
	if off, n, ok, err := cache.Find(sii.CategorySM); err != nil {
		return err
	} else if ok {
		sms, err := sii.ParseSM(cache, off, n)
		if err == nil {
			for i, rec := range sms {
				if i >= len(s.SM) {
					break
				}
				s.SM[i] = slave.SyncManager{StartAddr: rec.PhysStart, Length: rec.Length, Flags: rec.Control, Enabled: rec.Enable != 0}
				s.SMType[i] = rec.Type
				switch rec.Type {
				case slave.SMMailboxOut:
					s.MailboxWriteAddr, s.MailboxWriteSize = rec.PhysStart, rec.Length
				case slave.SMMailboxIn:
					s.MailboxReadAddr, s.MailboxReadSize = rec.PhysStart, rec.Length
				}
			}
		}
	}
	if off, n, ok, err := cache.Find(sii.CategoryRxPDO); err != nil {
		return err
	} else if ok {
		recs, err := sii.ParsePDO(cache, off, n)
		if err == nil {
			s.OutputBits = uint32(sii.TotalBits(recs))
			s.OutputBytes = (s.OutputBits + 7) / 8
		}
	}
	if off, n, ok, err := cache.Find(sii.CategoryTxPDO); err != nil {
		return err
	} else if ok {
		recs, err := sii.ParsePDO(cache, off, n)
		if err == nil {
			s.InputBits = uint32(sii.TotalBits(recs))
			s.InputBytes = (s.InputBits + 7) / 8
		}
	}
	if s.CoEDetails != 0 {
		s.MailboxProtocols |= slave.ProtoCoE
	}
	if s.FoEDetails != 0 {
		s.MailboxProtocols |= slave.ProtoFoE
	}
	if s.EoEDetails != 0 {
		s.MailboxProtocols |= slave.ProtoEoE
	}
	if s.SoEDetails != 0 {
		s.MailboxProtocols |= slave.ProtoSoE
	}
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// passMailboxProgram writes SM0/SM1 configuration derived from the SII
// scan onto each mailbox-capable slave (spec.md §4.M setup).
func (e *Enumerator) passMailboxProgram(slaves []*slave.Slave, timeout time.Duration) error {
	for i := 1; i < len(slaves); i++ {
		s := slaves[i]
		if s.IsLost || s.MailboxWriteSize == 0 {
			continue
		}
		smCfg := func(sm slave.SyncManager) []byte {
			buf := make([]byte, 8)
			buf[0], buf[1] = byte(sm.StartAddr), byte(sm.StartAddr>>8)
			buf[2], buf[3] = byte(sm.Length), byte(sm.Length>>8)
			buf[4] = sm.Flags
			buf[6] = 1 // enable
			return buf
		}
		if _, err := e.Port.FPWR(s.ConfiguredAddress, ethercat.RegSM0, smCfg(s.SM[0]), timeout); err != nil {
			return fmt.Errorf("enumerate: program SM0 on slave %d: %w", i, err)
		}
		if _, err := e.Port.FPWR(s.ConfiguredAddress, ethercat.RegSM0+ethercat.RegSMSize, smCfg(s.SM[1]), timeout); err != nil {
			return fmt.Errorf("enumerate: program SM1 on slave %d: %w", i, err)
		}
	}
	return nil
}

// passPreOp transitions every non-lost slave to PRE-OP, running the
// PO2SOConfig hook (if any) once the mailbox is live but before the PDO
// map is trusted, per spec.md §3 "PO2SOconfig hook".
func (e *Enumerator) passPreOp(slaves []*slave.Slave, timeout time.Duration) error {
	driver := &slave.Driver{Port: e.Port, Slaves: slaves}
	if err := driver.WriteState(0, slave.StatePreOp, timeout); err != nil {
		return fmt.Errorf("enumerate: broadcast pre-op: %w", err)
	}
	for i := 1; i < len(slaves); i++ {
		s := slaves[i]
		if s.IsLost {
			continue
		}
		if _, err := driver.StateCheck(i, slave.StatePreOp, timeout); err != nil {
			s.IsLost = true
			continue
		}
		if s.PO2SOConfig != nil {
			if err := s.PO2SOConfig(s); err != nil {
				return fmt.Errorf("enumerate: PO2SOconfig hook slave %d: %w", i, err)
			}
		}
	}
	return nil
}

// recoveryTempAddress is a disposable station address used to verify a
// recovered slave's identity before its real configured address is
// committed, so a mismatched device that has rotated into this bus
// position never gets handed another slave's permanent address.
const recoveryTempAddress = 0xFFFF

// RecoverSlave re-verifies the device at position before re-assigning it
// s's configured address, without repeating SII category discovery
// (spec.md §9 recovery path). The device first receives a throwaway
// temporary address; only once its full identity tuple (alias, vendor,
// product, revision) matches s is the real configured address committed,
// so a collision is never hidden behind an address write that already
// happened.
func (e *Enumerator) RecoverSlave(s *slave.Slave, position int, timeout time.Duration) error {
	adp := slave.PositionADP(position)
	if _, err := e.Port.APWR(adp, ethercat.RegStationAddr, []byte{byte(recoveryTempAddress), byte(recoveryTempAddress >> 8)}, timeout); err != nil {
		return fmt.Errorf("enumerate: recover slave assign temp address: %w", err)
	}

	cache := sii.NewCache(e.Port, recoveryTempAddress)
	idWords, err := cache.GetBytes(0, 16)
	if err != nil {
		return fmt.Errorf("enumerate: recover slave identity read: %w", err)
	}
	alias := le16(idWords[4:6])
	vendor := le32(idWords[0:4])
	product := le32(idWords[8:12])
	revision := le32(idWords[12:16])
	if alias != s.Alias || vendor != s.Vendor || product != s.Product || revision != s.Revision {
		return ethercat.ErrSlaveNotFound
	}

	if _, err := e.Port.APWR(adp, ethercat.RegStationAddr, []byte{byte(s.ConfiguredAddress), byte(s.ConfiguredAddress >> 8)}, timeout); err != nil {
		return fmt.Errorf("enumerate: recover slave commit address: %w", err)
	}
	s.IsLost = false
	return nil
}

// ReconfigSlave reprograms a recovered slave's mailbox SyncManagers,
// requests PRE-OP, waits for it and replays any PO2SOConfig hook,
// mirroring the passMailboxProgram/passPreOp sequence for a single slave
// (spec.md §9). It stops at PRE-OP: FMMUs are not reprogrammed and
// SAFE-OP/OP are not requested.
func (e *Enumerator) ReconfigSlave(s *slave.Slave, timeout time.Duration) error {
	if err := e.passMailboxProgram([]*slave.Slave{nil, s}, timeout); err != nil {
		return err
	}
	driver := &slave.Driver{Port: e.Port, Slaves: []*slave.Slave{nil, s}}
	if err := driver.WriteState(1, slave.StatePreOp, timeout); err != nil {
		return err
	}
	if _, err := driver.StateCheck(1, slave.StatePreOp, timeout); err != nil {
		return err
	}
	if s.PO2SOConfig != nil {
		if err := s.PO2SOConfig(s); err != nil {
			return err
		}
	}
	return nil
}
