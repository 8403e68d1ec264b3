package udpard

import "hash/crc32"

// CRC16 is a CRC-16/CCITT-FALSE accumulator.
type CRC16 uint16

const crc16Initial CRC16 = 0xFFFF

var crc16Table = func() (table [256]uint16) {
	for i := range table {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

func newCRC16() CRC16 { return crc16Initial }

// AddByte folds one byte into the checksum.
func (c CRC16) AddByte(b byte) CRC16 {
	return CRC16(uint16(c)<<8 ^ crc16Table[byte(c>>8)^b])
}

// Add folds data into the checksum.
func (c CRC16) Add(data []byte) CRC16 {
	for _, b := range data {
		c = c.AddByte(b)
	}
	return c
}

// HeaderCRC returns the CRC-16/CCITT-FALSE of data.
func HeaderCRC(data []byte) uint16 {
	return uint16(newCRC16().Add(data))
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// TransferCRC returns the CRC-32C of data.
func TransferCRC(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}
