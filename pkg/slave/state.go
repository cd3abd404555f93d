package slave

import (
	"time"

	ethercat "github.com/go-ethercat/master"
)

// Driver implements statecheck/writestate/readstate over a list of slaves
// sharing one Port, per spec.md §4.S. Slave index 0 means "the whole
// network" (broadcast for writes, "lowest common state" for checks).
type Driver struct {
	Port   *ethercat.Port
	Slaves []*Slave // index 0 is the unused master placeholder
}

// WriteState requests target for slaveIdx (0 = broadcast to all slaves).
func (d *Driver) WriteState(slaveIdx int, target State, timeout time.Duration) error {
	word := stateControlWord(target)
	data := []byte{byte(word), byte(word >> 8)}
	if slaveIdx == 0 {
		_, err := d.Port.BWR(ethercat.RegALControl, data, timeout)
		return err
	}
	s, err := d.slave(slaveIdx)
	if err != nil {
		return err
	}
	_, err = d.Port.FPWR(s.ConfiguredAddress, ethercat.RegALControl, data, timeout)
	if err == nil {
		s.State = target
	}
	return err
}

func stateControlWord(s State) uint16 {
	switch s &^ StateAckMask {
	case StateInit:
		return uint16(0x01) | ackBit(s)
	case StatePreOp:
		return uint16(0x02) | ackBit(s)
	case StateBoot:
		return uint16(0x03) | ackBit(s)
	case StateSafeOp:
		return uint16(0x04) | ackBit(s)
	case StateOp:
		return uint16(0x08) | ackBit(s)
	default:
		return uint16(0x01)
	}
}

func ackBit(s State) uint16 {
	if s&StateAckMask != 0 {
		return 0x10
	}
	return 0
}

// PositionADP returns the two's-complement auto-increment address for the
// nth slave on the bus (0-based from the master), used by the enumeration
// walk before any slave has a configured station address.
func PositionADP(position int) uint16 {
	return uint16(-position) & 0xFFFF
}

func (d *Driver) slave(idx int) (*Slave, error) {
	if idx < 1 || idx >= len(d.Slaves) || d.Slaves[idx] == nil {
		return nil, ethercat.ErrSlaveNotFound
	}
	return d.Slaves[idx], nil
}

// StateCheck polls a slave's AL-status until it matches target or timeout
// elapses, using an exponential-ish backoff between polls. slaveIdx=0
// checks the "lowest common" state across all slaves.
func (d *Driver) StateCheck(slaveIdx int, target State, timeout time.Duration) (State, error) {
	deadline := time.Now().Add(timeout)
	poll := time.Microsecond * 100
	const maxPoll = 20 * time.Millisecond
	for {
		cur, err := d.readOne(slaveIdx)
		if err != nil {
			return StateNone, err
		}
		if (cur &^ StateAckMask) == (target &^ StateAckMask) {
			return cur, nil
		}
		if time.Now().After(deadline) {
			return cur, ethercat.ErrStateTimeout
		}
		time.Sleep(poll)
		poll *= 2
		if poll > maxPoll {
			poll = maxPoll
		}
	}
}

func (d *Driver) readOne(slaveIdx int) (State, error) {
	if slaveIdx == 0 {
		return d.lowestCommonState()
	}
	s, err := d.slave(slaveIdx)
	if err != nil {
		return StateNone, err
	}
	_, data, err := d.Port.FPRD(s.ConfiguredAddress, ethercat.RegALStatus, 2, 2*time.Millisecond)
	if err != nil || len(data) < 2 {
		return StateNone, nil
	}
	st := State(data[0])
	s.State = st
	return st, nil
}

func (d *Driver) lowestCommonState() (State, error) {
	common := StateOp
	any := false
	for i := 1; i < len(d.Slaves); i++ {
		if d.Slaves[i] == nil {
			continue
		}
		any = true
		st, err := d.readOne(i)
		if err != nil {
			return StateNone, err
		}
		if st < common {
			common = st
		}
	}
	if !any {
		return StateNone, nil
	}
	return common, nil
}

// ReadState issues a broadcast read of AL status, then reads every slave's
// AL status with FPRD whatever the broadcast returned (spec.md §4.S). A
// slave with the error flag set also has its ALStatusCode read; a slave
// that does not answer is set to StateNone and marked IsLost.
func (d *Driver) ReadState() error {
	wkc, _, err := d.Port.BRD(ethercat.RegALStatus, 2, 2*time.Millisecond)
	if err != nil {
		return err
	}
	anyError := false
	for i := 1; i < len(d.Slaves); i++ {
		s := d.Slaves[i]
		if s == nil {
			continue
		}
		_, data, err := d.Port.FPRD(s.ConfiguredAddress, ethercat.RegALStatus, 2, 2*time.Millisecond)
		if err != nil || len(data) < 2 {
			s.State = StateNone
			s.IsLost = true
			anyError = true
			continue
		}
		s.State = State(data[0])
		if s.State&StateAckMask != 0 {
			anyError = true
			_, code, err := d.Port.FPRD(s.ConfiguredAddress, ethercat.RegALStatusCode, 2, 2*time.Millisecond)
			if err == nil && len(code) >= 2 {
				s.ALStatusCode = uint16(code[0]) | uint16(code[1])<<8
			}
		}
	}
	_ = wkc
	_ = anyError
	return nil
}

// AckError acknowledges a SAFE-OP+ERROR slave by writing SAFE-OP+ACK,
// per spec.md §4.S failure semantics.
func (d *Driver) AckError(slaveIdx int, timeout time.Duration) error {
	return d.WriteState(slaveIdx, StateSafeOp|StateAckMask, timeout)
}
