// Package slave holds the per-device record and the state-machine driver
// that moves slaves through the EtherCAT application-layer lifecycle.
package slave

import "fmt"

// State is the AL-status state, NONE..OP with BOOT as a side branch.
type State uint8

const (
	StateNone    State = 0x00
	StateInit    State = 0x01
	StatePreOp   State = 0x02
	StateBoot    State = 0x03
	StateSafeOp  State = 0x04
	StateOp      State = 0x08
	StateAckMask State = 0x10 // ACK/ERROR flag, or'd with a base state
)

func (s State) String() string {
	base := s &^ StateAckMask
	names := map[State]string{
		StateNone: "NONE", StateInit: "INIT", StatePreOp: "PRE-OP",
		StateBoot: "BOOT", StateSafeOp: "SAFE-OP", StateOp: "OP",
	}
	name, ok := names[base]
	if !ok {
		name = fmt.Sprintf("UNKNOWN(0x%02x)", uint8(base))
	}
	if s&StateAckMask != 0 {
		return name + "+ACK/ERR"
	}
	return name
}

// PortCount classifies a slave's topology by active-port count.
type PortCount uint8

const (
	PortEndpoint PortCount = 1
	PortInline   PortCount = 2
	PortSplit    PortCount = 3
	PortCross    PortCount = 4
)

// SMType classifies the eight SyncManager slots.
type SMType uint8

const (
	SMUnused SMType = iota
	SMMailboxOut
	SMMailboxIn
	SMOutputs
	SMInputs
)

// SyncManager mirrors one of the eight hardware SyncManager buffers.
type SyncManager struct {
	StartAddr uint16
	Length    uint16
	Flags     uint8
	Enabled   bool
}

// FMMU mirrors one of the four hardware FMMU slots.
type FMMU struct {
	LogicalStart   uint32
	LogicalStartBit uint8
	LogicalLength  uint16
	LogicalEndBit  uint8
	PhysicalStart  uint16
	PhysicalStartBit uint8
	Type           SMType
	Active         bool
}

// MailboxProtocol is a bit in the slave's supported-protocol bitmask.
type MailboxProtocol uint16

const (
	ProtoAoE MailboxProtocol = 1 << 0
	ProtoEoE MailboxProtocol = 1 << 1
	ProtoCoE MailboxProtocol = 1 << 2
	ProtoFoE MailboxProtocol = 1 << 3
	ProtoSoE MailboxProtocol = 1 << 4
	ProtoVoE MailboxProtocol = 1 << 5
)

// Slave is the per-device record described in spec.md §3.
type Slave struct {
	// Identity
	ConfiguredAddress uint16
	Alias             uint16
	Vendor            uint32
	Product           uint32
	Revision          uint32
	Serial            uint32
	Name              string

	// Topology
	ParentIndex   int
	ActivePorts   uint8 // 4-bit active-port bitmap
	PortCount     PortCount
	InterfaceType uint16
	HasDC         bool

	// Mailbox
	MailboxWriteAddr uint16
	MailboxWriteSize uint16
	MailboxReadAddr  uint16
	MailboxReadSize  uint16
	MailboxProtocols MailboxProtocol
	mbxCounter       uint8 // rolling 1..7, 0 reserved
	lastRxCounter    uint8
	hasReceivedOnce  bool

	// SyncManagers / FMMUs
	SM          [8]SyncManager
	SMType      [8]SMType
	FMMUs       [4]FMMU
	FMMUUnused  int
	FMMUFunc    [4]SMType

	// I/O
	InputBits    uint32
	OutputBits   uint32
	InputBytes   uint32
	OutputBytes  uint32
	InputOffset  uint32 // byte offset into the group's IO map
	OutputOffset uint32
	InputStartBit  uint8
	OutputStartBit uint8

	// State
	State          State
	ALStatusCode   uint16

	// Misc
	CoEDetails      uint8
	FoEDetails      uint8
	EoEDetails      uint8
	SoEDetails      uint8
	BlockLRW        bool
	EbusCurrent     int16
	SupportsReadEEP8 bool
	IsLost          bool
	CyclicMailboxEnabled bool

	// PO2SOconfig hook, called once the slave has reached PRE-OP (by
	// ConfigInit's PRE-OP pass and by ReconfigSlave) so the caller can
	// program vendor-specific SDOs (spec.md §3 "PO2SOconfig hook").
	// ConfigMapGroup does not call it.
	PO2SOConfig func(s *Slave) error
}

// NextMailboxCounter returns the next rolling counter value (1..7,
// wrapping to 1 on overflow — 0 is reserved per spec.md §9).
func (s *Slave) NextMailboxCounter() uint8 {
	s.mbxCounter++
	if s.mbxCounter == 0 || s.mbxCounter > 7 {
		s.mbxCounter = 1
	}
	return s.mbxCounter
}

// LastReceivedCounter returns the mailbox counter of the last message
// received from this slave, used for duplicate detection.
func (s *Slave) LastReceivedCounter() uint8 { return s.lastRxCounter }

// HasReceivedOnce reports whether any mailbox message has been received
// yet (a fresh slave has no prior counter to compare against).
func (s *Slave) HasReceivedOnce() bool { return s.hasReceivedOnce }

// SetLastReceivedCounter records the counter of the most recently received
// mailbox message.
func (s *Slave) SetLastReceivedCounter(c uint8) {
	s.lastRxCounter = c
	s.hasReceivedOnce = true
}

// HasIdentity reports whether vendor/product/revision match another slave,
// the condition under which SII-derived fields may be copied rather than
// re-read (spec.md §3 invariant, §4.E.6 fallback).
func (s *Slave) HasIdentity(other *Slave) bool {
	return s.Vendor == other.Vendor && s.Product == other.Product && s.Revision == other.Revision
}

// CopySIIFields copies every SII-derived field from src, used when two
// slaves share identity and a redundant SII read can be skipped.
func (s *Slave) CopySIIFields(src *Slave) {
	s.Name = src.Name
	s.MailboxWriteAddr = src.MailboxWriteAddr
	s.MailboxWriteSize = src.MailboxWriteSize
	s.MailboxReadAddr = src.MailboxReadAddr
	s.MailboxReadSize = src.MailboxReadSize
	s.MailboxProtocols = src.MailboxProtocols
	s.CoEDetails = src.CoEDetails
	s.FoEDetails = src.FoEDetails
	s.EoEDetails = src.EoEDetails
	s.SoEDetails = src.SoEDetails
	s.BlockLRW = src.BlockLRW
	s.EbusCurrent = src.EbusCurrent
	s.SM = src.SM
	s.SMType = src.SMType
	s.InputBits = src.InputBits
	s.OutputBits = src.OutputBits
	s.InputBytes = src.InputBytes
	s.OutputBytes = src.OutputBytes
}
