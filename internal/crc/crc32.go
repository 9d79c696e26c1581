package crc

import "hash/crc32"

// CRC32 is the running state of the standard IEEE 802.3 CRC-32, used by
// the Jumbo frame trailer. Unlike CRC8/CRC16 this stack has no hand
// polynomial of its own to maintain, so it is built on the standard
// library's crc32.Update, which already implements the exact same
// table-driven algorithm incrementally.
type CRC32 uint32

// Single folds one byte into the running CRC32 value.
func (c *CRC32) Single(b byte) {
	*c = CRC32(crc32.Update(uint32(*c), crc32.IEEETable, []byte{b}))
}

// Bytes folds a whole slice into the running CRC32 value.
func (c *CRC32) Bytes(data []byte) {
	*c = CRC32(crc32.Update(uint32(*c), crc32.IEEETable, data))
}
