// Package mailbox implements the reliable single-direction mailbox
// transport over SyncManager 0 (master→slave) and SyncManager 1
// (slave→master), with rolling-counter duplicate detection (spec.md §4.M).
package mailbox

import (
	"encoding/binary"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/slave"
)

// Protocol identifies the mailbox payload type (spec.md §6).
type Protocol uint8

const (
	ProtoAoE Protocol = 1
	ProtoEoE Protocol = 2
	ProtoCoE Protocol = 3
	ProtoFoE Protocol = 4
	ProtoSoE Protocol = 5
	ProtoVoE Protocol = 15
)

const (
	headerLen          = 6
	DefaultTimeout     = 20 * time.Millisecond
	smStatusRegOffset  = 0x05 // SM status byte offset within its 8-byte block
)

// Transport drives SM0/SM1 traffic for one slave.
type Transport struct {
	Port  *ethercat.Port
	Slave *slave.Slave
}

// buildHeader writes the 6-byte mailbox header: length, address(=0),
// channel:6|priority:2, type:4|counter:4.
func buildHeader(length int, proto Protocol, counter uint8) []byte {
	h := make([]byte, headerLen)
	binary.LittleEndian.PutUint16(h[0:2], uint16(length))
	binary.LittleEndian.PutUint16(h[2:4], 0)
	h[4] = 0 // channel/priority, unused
	h[5] = uint8(proto) | (counter << 4)
	return h
}

// Send writes payload to SM0 after polling it empty. Returns the WKC from
// the final FPWR.
func (t *Transport) Send(proto Protocol, payload []byte, timeout time.Duration) (uint16, error) {
	if err := t.waitSMEmpty(timeout); err != nil {
		return 0, err
	}
	counter := t.Slave.NextMailboxCounter()
	frame := append(buildHeader(len(payload), proto, counter), payload...)
	if len(frame) < int(t.Slave.MailboxWriteSize) {
		frame = append(frame, make([]byte, int(t.Slave.MailboxWriteSize)-len(frame))...)
	}
	return t.Port.FPWR(t.Slave.ConfiguredAddress, t.Slave.MailboxWriteAddr, frame, timeout)
}

// Receive polls SM1 full, reads the payload, and validates/decodes the
// header. A repeated counter value signals a retransmission and is
// reported via duplicate=true so the caller can ignore it (spec.md §9).
func (t *Transport) Receive(timeout time.Duration) (proto Protocol, payload []byte, duplicate bool, err error) {
	if err := t.waitSMFull(timeout); err != nil {
		return 0, nil, false, err
	}
	_, data, err := t.Port.FPRD(t.Slave.ConfiguredAddress, t.Slave.MailboxReadAddr, int(t.Slave.MailboxReadSize), timeout)
	if err != nil {
		return 0, nil, false, err
	}
	if len(data) < headerLen {
		return 0, nil, false, ethercat.ErrNoFrame
	}
	length := binary.LittleEndian.Uint16(data[0:2])
	typeByte := data[5]
	proto = Protocol(typeByte & 0x0F)
	counter := typeByte >> 4
	if int(length) > len(data)-headerLen {
		length = uint16(len(data) - headerLen)
	}
	payload = data[headerLen : headerLen+int(length)]
	duplicate = counter != 0 && counter == t.Slave.LastReceivedCounter() && t.Slave.HasReceivedOnce()
	t.Slave.SetLastReceivedCounter(counter)
	return proto, payload, duplicate, nil
}

func (t *Transport) waitSMEmpty(timeout time.Duration) error {
	return t.pollSM(0, false, timeout)
}

func (t *Transport) waitSMFull(timeout time.Duration) error {
	return t.pollSM(1, true, timeout)
}

// pollSM polls SM0/SM1's status register until the mailbox-full bit
// matches wantFull, or timeout elapses.
func (t *Transport) pollSM(smIndex int, wantFull bool, timeout time.Duration) error {
	smStatusReg := ethercat.RegSM0 + uint16(smIndex)*ethercat.RegSMSize + smStatusRegOffset
	deadline := time.Now().Add(timeout)
	for {
		_, status, err := t.Port.FPRD(t.Slave.ConfiguredAddress, smStatusReg, 1, 2*time.Millisecond)
		if err != nil {
			return err
		}
		full := len(status) > 0 && status[0]&0x08 != 0
		if full == wantFull {
			return nil
		}
		if time.Now().After(deadline) {
			return ethercat.ErrTimeout
		}
		time.Sleep(200 * time.Microsecond)
	}
}

// CyclicHandler drains pending mailbox content for every slave marked for
// cyclic dispatch (spec.md §4.M "cyclic handler"), used when mailbox
// messages arrive asynchronously (CoE emergency, EoE payload).
type CyclicHandler struct {
	Port    *ethercat.Port
	Slaves  []*slave.Slave
	Dispatch func(s *slave.Slave, proto Protocol, payload []byte)
}

// Poll runs one cyclic pass, draining any slave with CyclicMailboxEnabled
// set and a full SM1.
func (h *CyclicHandler) Poll(timeout time.Duration) {
	for _, s := range h.Slaves {
		if s == nil || !s.CyclicMailboxEnabled {
			continue
		}
		t := &Transport{Port: h.Port, Slave: s}
		proto, payload, dup, err := t.Receive(timeout)
		if err != nil || dup {
			continue
		}
		if h.Dispatch != nil {
			h.Dispatch(s, proto, payload)
		}
	}
}
