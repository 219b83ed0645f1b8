package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"
)

const (
	gptSignature           = "EFI PART"
	gptHeaderCRCOffset     = 16
	gptEntryArrayCRCOffset = 88
	gptFirstLBAOffset      = 32
	gptLastLBAOffset       = 40
)

// guidToString formats a GUID byte array into the standard string format
func guidToString(b []byte) string {
	if len(b) < 16 {
		return ""
	}
	d1 := binary.LittleEndian.Uint32(b[0:4])
	d2 := binary.LittleEndian.Uint16(b[4:6])
	d3 := binary.LittleEndian.Uint16(b[6:8])
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		d1, d2, d3,
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15],
	)
}

// decodeUTF16LE decodes UTF-16LE encoded partition names
func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i : i+2])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// gptHeaderCRC computes the header checksum with the CRC field taken as zero.
func gptHeaderCRC(headerBytes []byte, headerSize uint32) uint32 {
	tmp := make([]byte, headerSize)
	copy(tmp, headerBytes[:headerSize])
	binary.LittleEndian.PutUint32(tmp[gptHeaderCRCOffset:], 0)
	return crc32.ChecksumIEEE(tmp)
}

// validateGPTHeaderCRC validates the CRC32 of a GPT header
func validateGPTHeaderCRC(headerBytes []byte, headerSize uint32) error {
	if len(headerBytes) < int(headerSize) || headerSize < 92 {
		return fmt.Errorf("header too small for validation")
	}

	origCRC := binary.LittleEndian.Uint32(headerBytes[gptHeaderCRCOffset:])
	calculatedCRC := gptHeaderCRC(headerBytes, headerSize)
	if calculatedCRC != origCRC {
		return fmt.Errorf("GPT header CRC mismatch: calculated 0x%08X, expected 0x%08X", calculatedCRC, origCRC)
	}

	return nil
}

// validateGPTEntriesCRC validates the CRC32 of GPT partition entries
func validateGPTEntriesCRC(entries []byte, expectedCRC uint32) error {
	calculatedCRC := crc32.ChecksumIEEE(entries)
	if calculatedCRC != expectedCRC {
		return fmt.Errorf("GPT entries CRC mismatch: calculated 0x%08X, expected 0x%08X", calculatedCRC, expectedCRC)
	}
	return nil
}

// resealGPTHeader stores a new entry array checksum in a raw header and
// recomputes the header checksum.
func resealGPTHeader(headerBytes []byte, headerSize uint32, entriesCRC uint32) {
	binary.LittleEndian.PutUint32(headerBytes[gptEntryArrayCRCOffset:], entriesCRC)
	binary.LittleEndian.PutUint32(headerBytes[gptHeaderCRCOffset:], gptHeaderCRC(headerBytes, headerSize))
}
