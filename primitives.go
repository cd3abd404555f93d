package ethercat

import "time"

// Broadcast/configured/position address helpers. ADP for position
// addressing is the two's-complement autoincrement counter; callers pass
// the raw ADP/ADO pair as the spec's register map dictates.

// BRD — broadcast read. WKC counts slaves that answered.
func (p *Port) BRD(ado uint16, length int, timeout time.Duration) (wkc uint16, data []byte, err error) {
	return p.SendReceive(CmdBRD, 0, ado, make([]byte, length), timeout)
}

// BWR — broadcast write.
func (p *Port) BWR(ado uint16, data []byte, timeout time.Duration) (wkc uint16, err error) {
	wkc, _, err = p.SendReceive(CmdBWR, 0, ado, data, timeout)
	return
}

// APRD — auto-increment position read. adp is the negative position offset.
func (p *Port) APRD(adp uint16, ado uint16, length int, timeout time.Duration) (wkc uint16, data []byte, err error) {
	return p.SendReceive(CmdAPRD, adp, ado, make([]byte, length), timeout)
}

// APWR — auto-increment position write.
func (p *Port) APWR(adp uint16, ado uint16, data []byte, timeout time.Duration) (wkc uint16, err error) {
	wkc, _, err = p.SendReceive(CmdAPWR, adp, ado, data, timeout)
	return
}

// APRW — auto-increment position read-write.
func (p *Port) APRW(adp, ado uint16, data []byte, timeout time.Duration) (wkc uint16, resp []byte, err error) {
	return p.SendReceive(CmdAPRW, adp, ado, data, timeout)
}

// FPRD — configured-address read.
func (p *Port) FPRD(adp uint16, ado uint16, length int, timeout time.Duration) (wkc uint16, data []byte, err error) {
	return p.SendReceive(CmdFPRD, adp, ado, make([]byte, length), timeout)
}

// FPWR — configured-address write.
func (p *Port) FPWR(adp uint16, ado uint16, data []byte, timeout time.Duration) (wkc uint16, err error) {
	wkc, _, err = p.SendReceive(CmdFPWR, adp, ado, data, timeout)
	return
}

// FRMW — configured-address read, multiple-write. Used for the DC
// reference-clock broadcast read piggy-backed onto process data.
func (p *Port) FRMW(adp uint16, ado uint16, length int, timeout time.Duration) (wkc uint16, data []byte, err error) {
	return p.SendReceive(CmdFRMW, adp, ado, make([]byte, length), timeout)
}

// ARMW — auto-increment read, multiple-write; updates the reference clock
// value in all slaves in one pass.
func (p *Port) ARMW(adp uint16, ado uint16, data []byte, timeout time.Duration) (wkc uint16, err error) {
	wkc, _, err = p.SendReceive(CmdARMW, adp, ado, data, timeout)
	return
}

// LRD — logical read.
func (p *Port) LRD(logicalAddr uint32, length int, timeout time.Duration) (wkc uint16, data []byte, err error) {
	adp, ado := splitLogical(logicalAddr)
	return p.SendReceive(CmdLRD, adp, ado, make([]byte, length), timeout)
}

// LWR — logical write.
func (p *Port) LWR(logicalAddr uint32, data []byte, timeout time.Duration) (wkc uint16, err error) {
	adp, ado := splitLogical(logicalAddr)
	wkc, _, err = p.SendReceive(CmdLWR, adp, ado, data, timeout)
	return
}

// LRW — logical read-write, the workhorse of the process-data cycle.
func (p *Port) LRW(logicalAddr uint32, data []byte, timeout time.Duration) (wkc uint16, resp []byte, err error) {
	adp, ado := splitLogical(logicalAddr)
	return p.SendReceive(CmdLRW, adp, ado, data, timeout)
}

func splitLogical(addr uint32) (adp, ado uint16) {
	return uint16(addr & 0xFFFF), uint16(addr >> 16)
}
