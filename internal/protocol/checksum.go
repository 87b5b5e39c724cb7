// Package protocol implements framing for the inverter's ASCII command/response protocol.
package protocol

import (
	"github.com/sigurn/crc16"
)

// crcTable is the CRC-16/XMODEM table: poly 0x1021, init 0x0000, no reflection.
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum returns the CRC-16/XMODEM of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// ChecksumBytes returns the checksum of data as two big-endian bytes.
func ChecksumBytes(data []byte) []byte {
	crc := Checksum(data)
	return []byte{byte(crc >> 8), byte(crc & 0xFF)}
}
