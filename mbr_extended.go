package main

import (
	"encoding/binary"
	"fmt"
)

// isExtendedType checks if a partition type is an extended partition type
func isExtendedType(t byte) bool {
	switch t {
	case 0x05, 0x0F, 0x85:
		return true
	default:
		return false
	}
}

// mbrTypeFSType maps FAT partition type ids to a filesystem tag.
func mbrTypeFSType(t byte) string {
	switch t {
	case 0x04, 0x06, 0x0E:
		return "fat16"
	case 0x0B, 0x0C:
		return "fat32"
	}
	return ""
}

// mbrFAT32Type is the id a FAT16 partition gets once its filesystem is FAT32.
func mbrFAT32Type(t byte) byte {
	if t == 0x06 || t == 0x04 {
		return 0x0B
	}
	return 0x0C
}

// parseMBREntryFromBytes parses an MBR entry from raw bytes
func parseMBREntryFromBytes(b []byte) mbrPartition {
	e := mbrPartition{
		Status:      b[0],
		Type:        b[4],
		FirstSector: binary.LittleEndian.Uint32(b[8:12]),
		Sectors:     binary.LittleEndian.Uint32(b[12:16]),
	}
	copy(e.CHSFirst[:], b[1:4])
	copy(e.CHSLast[:], b[5:8])
	return e
}

// putMBREntry encodes e into the 16 bytes of b.
func putMBREntry(b []byte, e mbrPartition) {
	b[0] = e.Status
	copy(b[1:4], e.CHSFirst[:])
	b[4] = e.Type
	copy(b[5:8], e.CHSLast[:])
	binary.LittleEndian.PutUint32(b[8:12], e.FirstSector)
	binary.LittleEndian.PutUint32(b[12:16], e.Sectors)
}

// lbaToCHS converts a sector to the CHS triple of an MBR entry using the usual
// 255 head, 63 sector translation. Sectors past cylinder 1023 get the
// conventional maximum.
func lbaToCHS(lba uint64) [3]byte {
	const heads, sectors = 255, 63
	c := lba / (heads * sectors)
	if c > 1023 {
		return [3]byte{0xFE, 0xFF, 0xFF}
	}
	h := (lba / sectors) % heads
	s := lba%sectors + 1
	return [3]byte{byte(h), byte(s) | byte((c>>2)&0xC0), byte(c)}
}

// readEBRChain reads the extended boot record chain to find logical partitions.
// Returned entries carry absolute start sectors.
func readEBRChain(dev *Device, baseLBA uint32) ([]mbrPartition, error) {
	var logicalPartitions []mbrPartition
	nextEBR := uint64(baseLBA)
	maxHops := 128

	for hops := 0; hops < maxHops; hops++ {
		if nextEBR >= dev.SectorCount {
			return nil, fmt.Errorf("EBR at LBA %d lies past the end of the device", nextEBR)
		}
		buf, err := dev.readSectors(nextEBR, 1)
		if err != nil {
			return nil, fmt.Errorf("read EBR at LBA %d failed: %w", nextEBR, err)
		}

		if len(buf) < 512 || buf[510] != 0x55 || buf[511] != 0xAA {
			return nil, fmt.Errorf("EBR signature missing at LBA %d", nextEBR)
		}

		entries := buf[446 : 446+32]
		e1 := parseMBREntryFromBytes(entries[0:16])
		e2 := parseMBREntryFromBytes(entries[16:32])

		// First entry is the logical partition
		if e1.Type != 0x00 && e1.Sectors != 0 {
			startLBA := nextEBR + uint64(e1.FirstSector)
			endLBA := startLBA + uint64(e1.Sectors) - 1
			if endLBA < dev.SectorCount {
				e1.FirstSector = uint32(startLBA)
				logicalPartitions = append(logicalPartitions, e1)
			}
		}

		// Second entry points to next EBR or is empty
		if e2.Type == 0x00 || e2.Sectors == 0 || !isExtendedType(e2.Type) {
			break
		}
		nextEBR = uint64(baseLBA) + uint64(e2.FirstSector)
	}

	return logicalPartitions, nil
}
