package ethercat

// ESC (EtherCAT Slave Controller) register offsets used throughout the
// core. These are the standard EtherCAT register map addresses, not an
// implementation choice.
const (
	RegType          = 0x0000
	RegStationAddr   = 0x0010
	RegALControl     = 0x0120
	RegALStatus      = 0x0130
	RegALStatusCode  = 0x0134
	RegPDIControl    = 0x0140
	RegDLStatus      = 0x0110
	RegEepromConfig  = 0x0500
	RegEepromControl = 0x0502
	RegEepromAddress = 0x0504
	RegEepromData    = 0x0508
	RegSM0           = 0x0800
	RegSMSize        = 0x0008 // each SyncManager register block is 8 bytes
	RegFMMU0         = 0x0600
	RegFMMUSize      = 0x0010
	RegDCRecvTime0   = 0x0900
	RegDCSysTime     = 0x0910
	RegDCSysOffset   = 0x0920
	RegDCSysDelay    = 0x0928
	RegDCSpeedCount  = 0x0930
	RegDCTimeLoop0   = 0x0900
)

// AL control command values written to RegALControl.
const (
	ALControlInit   uint16 = 0x01
	ALControlPreOp  uint16 = 0x02
	ALControlBoot   uint16 = 0x03
	ALControlSafeOp uint16 = 0x04
	ALControlOp     uint16 = 0x08
	ALControlAck    uint16 = 0x10
)

// EEPROM control register bits (spec.md §4.C).
const (
	EepromCtlRead32 uint16 = 0x0100
	EepromCtlRead64 uint16 = 0x0300
	EepromBusyBit   uint16 = 0x8000
)
