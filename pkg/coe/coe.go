// Package coe implements the CANopen-over-EtherCAT mailbox protocol: SDO
// upload/download and PDO-map discovery (spec.md §4.X).
package coe

import (
	"encoding/binary"

	ethercat "github.com/go-ethercat/master"
)

// CoE service codes, carried in bits 12..15 of the first SDO header word.
const (
	serviceEmergency       uint8 = 1
	serviceSDORequest      uint8 = 2
	serviceSDOResponse     uint8 = 3
	serviceTxPDO           uint8 = 4
	serviceRxPDO           uint8 = 5
	serviceTxPDORemoteReq  uint8 = 6
	serviceRxPDORemoteReq  uint8 = 7
	serviceSDOInfo         uint8 = 8
)

// SDO command specifiers (client->server).
const (
	ccsDownloadSegment uint8 = 0
	ccsInitiateDownload uint8 = 1
	ccsInitiateUpload   uint8 = 2
	ccsUploadSegment    uint8 = 3
	ccsAbort            uint8 = 4
)

// SDO command specifiers (server->client).
const (
	scsUploadSegment    uint8 = 0
	scsDownloadSegment  uint8 = 1
	scsInitiateUpload   uint8 = 2
	scsInitiateDownload uint8 = 3
	scsAbort            uint8 = 4
)

// AbortCode is an SDO abort code surfaced via the ErrorList (spec.md §6).
type AbortCode uint32

const (
	AbortToggleBit        AbortCode = 0x05030000
	AbortTimeout          AbortCode = 0x05040000
	AbortUnknownCommand   AbortCode = 0x05040001
	AbortOutOfMemory      AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly        AbortCode = 0x06010001
	AbortReadOnly         AbortCode = 0x06010002
	AbortObjectNotExist   AbortCode = 0x06020000
	AbortSubindexNotExist AbortCode = 0x06090011
	AbortGeneralError     AbortCode = 0x08000000
)

// SDOError wraps an abort code returned by the slave.
type SDOError struct {
	Index    uint16
	SubIndex uint8
	Code     AbortCode
}

func (e *SDOError) Error() string {
	return "coe: SDO abort"
}

// coeHeader prefixes the SDO payload inside a CoE mailbox frame: a single
// little-endian uint16 whose low 9 bits carry the "number" field (unused
// for SDO) and high bits the service code.
func writeCoEHeader(service uint8) []byte {
	h := make([]byte, 2)
	binary.LittleEndian.PutUint16(h, uint16(service)<<12)
	return h
}
