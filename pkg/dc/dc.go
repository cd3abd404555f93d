// Package dc implements the distributed-clock engine: propagation-delay
// measurement by a broadcast-write/per-slave-read walk, reference clock
// election, propagation-delay programming, and the host-to-DC PI
// synchronization loop (spec.md §4.D). The per-slave system-time offset
// register is not written by this package.
package dc

import (
	"fmt"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/slave"
)

// PIConstants parameterizes the host-to-DC synchronization loop. Two forms
// appear across EtherCAT master implementations: a plain
// delta/100,integral/20 divisor form, and a Kp/Ki gain form. Both converge
// to the same steady-state behavior for a 1ms-class cycle; this package
// keeps the simpler divisor form as the default and exposes both knobs so
// a caller can switch (spec.md §4.D Open Question, resolved here as
// configurable with the divisor form default).
type PIConstants struct {
	// DeltaDivisor and IntegralDivisor implement the simple form:
	// correction = -delta/DeltaDivisor - integral/IntegralDivisor.
	DeltaDivisor    int64
	IntegralDivisor int64
	// Kp/Ki select the gain form instead, when non-zero.
	Kp, Ki float64
}

// DefaultPIConstants matches the widely used 1/100, 1/20 divisor pair.
var DefaultPIConstants = PIConstants{DeltaDivisor: 100, IntegralDivisor: 20}

// Engine drives distributed-clock setup and steady-state sync for one
// Port and slave list.
type Engine struct {
	Port   *ethercat.Port
	Slaves []*slave.Slave // index 0 unused, matches slave.Driver convention

	refClockIndex int
	integral      int64
	pi            PIConstants
}

// NewEngine returns an Engine using DefaultPIConstants; override via SetPI.
func NewEngine(port *ethercat.Port, slaves []*slave.Slave) *Engine {
	return &Engine{Port: port, Slaves: slaves, refClockIndex: -1, pi: DefaultPIConstants}
}

// SetPI overrides the synchronization loop's constants.
func (e *Engine) SetPI(pi PIConstants) { e.pi = pi }

// ReferenceClockAddress returns the elected reference clock's configured
// station address, and false if none has been elected yet (ElectReferenceClock,
// MeasurePropagationDelays or SyncReferenceClock not yet called, or no
// DC-capable slave found).
func (e *Engine) ReferenceClockAddress() (uint16, bool) {
	if e.refClockIndex < 0 || e.refClockIndex >= len(e.Slaves) || e.Slaves[e.refClockIndex] == nil {
		return 0, false
	}
	return e.Slaves[e.refClockIndex].ConfiguredAddress, true
}

// ElectReferenceClock picks the first DC-capable slave on the bus as the
// reference clock, per spec.md §4.D. Returns false if none are DC-capable.
func (e *Engine) ElectReferenceClock() bool {
	for i := 1; i < len(e.Slaves); i++ {
		if e.Slaves[i] != nil && e.Slaves[i].HasDC {
			e.refClockIndex = i
			return true
		}
	}
	e.refClockIndex = -1
	return false
}

// MeasurePropagationDelays walks the slave list in topology order,
// broadcast-writing a latch trigger and reading each slave's port-0
// receive-time register (the other ports' receive times are not read) to
// compute cable propagation delay relative to
// the reference clock, then programs each slave's system-time-delay
// register (spec.md §4.D "propagation delay tree walk").
func (e *Engine) MeasurePropagationDelays(timeout time.Duration) error {
	if e.refClockIndex < 0 {
		if !e.ElectReferenceClock() {
			return nil // no DC-capable slave, nothing to do
		}
	}
	trigger := make([]byte, 8)
	if _, err := e.Port.BWR(ethercat.RegDCRecvTime0, trigger, timeout); err != nil {
		return fmt.Errorf("dc: latch trigger: %w", err)
	}

	refRecv, err := e.readRecvTime(e.Slaves[e.refClockIndex], timeout)
	if err != nil {
		return fmt.Errorf("dc: read reference recv time: %w", err)
	}

	for i := 1; i < len(e.Slaves); i++ {
		s := e.Slaves[i]
		if s == nil || !s.HasDC || i == e.refClockIndex {
			continue
		}
		recv, err := e.readRecvTime(s, timeout)
		if err != nil {
			continue // slave without a working DC register; leave delay at 0
		}
		// Delay accumulates along the ring from the reference clock;
		// parent-relative delay is approximated here as the raw
		// port-0 receive-time skew against the reference, which is
		// exact for a single-branch topology and a reasonable estimate
		// otherwise (refined per-segment by a full ring walk is outside
		// this package's scope).
		delay := diffWrap32(recv, refRecv) / 2
		delayBuf := make([]byte, 4)
		le32put(delayBuf, delay)
		if _, err := e.Port.FPWR(s.ConfiguredAddress, ethercat.RegDCSysDelay, delayBuf, timeout); err != nil {
			return fmt.Errorf("dc: program delay on slave %d: %w", i, err)
		}
	}
	return nil
}

func (e *Engine) readRecvTime(s *slave.Slave, timeout time.Duration) (uint32, error) {
	_, data, err := e.Port.FPRD(s.ConfiguredAddress, ethercat.RegDCRecvTime0, 4, timeout)
	if err != nil || len(data) < 4 {
		return 0, ethercat.ErrNoFrame
	}
	return leGet32(data), nil
}

func diffWrap32(a, b uint32) uint32 {
	if a >= b {
		return a - b
	}
	return a + (^b + 1)
}

// SyncReferenceClock broadcasts the reference clock's system time to every
// DC-capable slave via ARMW, the "set system time" step of bring-up
// (spec.md §4.D). It elects a reference clock first if none has been
// elected yet, and does nothing when no slave is DC-capable.
func (e *Engine) SyncReferenceClock(timeout time.Duration) error {
	if e.refClockIndex < 0 && !e.ElectReferenceClock() {
		return nil
	}
	ref := e.Slaves[e.refClockIndex]
	_, data, err := e.Port.FPRD(ref.ConfiguredAddress, ethercat.RegDCSysTime, 8, timeout)
	if err != nil || len(data) < 8 {
		return fmt.Errorf("dc: read reference system time: %w", err)
	}
	if _, err := e.Port.ARMW(0, ethercat.RegDCSysTime, data, timeout); err != nil {
		return fmt.Errorf("dc: broadcast system time: %w", err)
	}
	e.Port.SetLastDCTime(leGet64(data))
	return nil
}

// AdjustCycle computes the next cycle-time correction (nanoseconds) given
// the most recently observed reference-clock offset error, driving the
// host's cyclic-thread wakeup timer toward alignment with the bus
// reference clock (spec.md §4.D PI sync loop).
func (e *Engine) AdjustCycle(errNanos int64) int64 {
	e.integral += errNanos
	if e.pi.Kp != 0 || e.pi.Ki != 0 {
		return int64(-e.pi.Kp*float64(errNanos) - e.pi.Ki*float64(e.integral))
	}
	d := e.pi.DeltaDivisor
	iv := e.pi.IntegralDivisor
	if d == 0 {
		d = DefaultPIConstants.DeltaDivisor
	}
	if iv == 0 {
		iv = DefaultPIConstants.IntegralDivisor
	}
	return -errNanos/d - e.integral/iv
}

func le32put(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func leGet32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leGet64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
