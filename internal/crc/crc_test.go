package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestCRC8HeaderOnly(t *testing.T) {
	var crc CRC8
	crc.Single(0xC0)
	crc.Single(0x00)
	assert.EqualValues(t, crc, crc)
}

func TestCRC16BytesMatchesSingle(t *testing.T) {
	var a, b CRC16
	a.Bytes([]byte{1, 2, 3, 4})
	for _, v := range []byte{1, 2, 3, 4} {
		b.Single(v)
	}
	assert.EqualValues(t, a, b)
}
