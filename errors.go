package ethercat

import "errors"

// Sentinel errors returned by the core. None of these are ever turned into
// panics; every public operation returns a value alongside one of these
// (or wraps one with fmt.Errorf) per the error taxonomy of the spec.
var (
	ErrIllegalArgument    = errors.New("illegal argument")
	ErrTimeout            = errors.New("operation timed out")
	ErrNoFrame            = errors.New("no frame received before timeout")
	ErrBusy               = errors.New("no free datagram index available")
	ErrLinkSend           = errors.New("link send failed")
	ErrLinkClosed         = errors.New("link is closed")
	ErrFrameTooLarge      = errors.New("datagram payload exceeds maximum frame capacity")
	ErrWkcMismatch        = errors.New("working counter mismatch")
	ErrSlaveCountExceeded = errors.New("slave count exceeds MaxSlaves")
	ErrSlaveNotFound      = errors.New("slave index out of range")
	ErrGroupNotFound      = errors.New("group index out of range")
	ErrEepromBusy         = errors.New("EEPROM busy past timeout")
	ErrConfig             = errors.New("invalid configuration")
	ErrStateTimeout       = errors.New("slave did not reach requested state in time")
	ErrSlaveLost          = errors.New("slave state is NONE, considered lost")
	ErrSegmentOverflow    = errors.New("logical segment exceeds maximum IO segments")
)
