package main

import (
	"bytes"
	"encoding/binary"
	"io"

	log "github.com/sirupsen/logrus"
)

// Names reported for partitions that hold a volume container instead of a
// filesystem.
const (
	containerLUKS   = "crypto_LUKS"
	containerLVM2PV = "LVM2_member"
	containerMDRAID = "linux_raid_member"
)

const mdraidMagic = 0xA92B4EFC

var luksMagic = []byte{'L', 'U', 'K', 'S', 0xBA, 0xBE}

// detectContainer names the LUKS, LVM2 or MD RAID container in the size bytes
// starting at offset, or returns "".
func detectContainer(r io.ReaderAt, offset, size int64, sectorSize uint64) string {
	if isLUKS(r, offset) {
		return containerLUKS
	}
	if isLVM2PV(r, offset, sectorSize) {
		return containerLVM2PV
	}
	if isMDRAID(r, offset, size) {
		return containerMDRAID
	}
	return ""
}

func isLUKS(r io.ReaderAt, offset int64) bool {
	buf := make([]byte, 8)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return false
	}
	if !bytes.Equal(buf[:6], luksMagic) {
		return false
	}
	if ver := binary.BigEndian.Uint16(buf[6:8]); ver != 1 && ver != 2 {
		log.Debugf("LUKS magic at %d with unexpected version %d", offset, ver)
	}
	return true
}

// isLVM2PV looks for the physical volume label in the first four sectors.
func isLVM2PV(r io.ReaderAt, offset int64, sectorSize uint64) bool {
	buf := make([]byte, 512)
	for i := int64(0); i < 4; i++ {
		if _, err := r.ReadAt(buf, offset+i*int64(sectorSize)); err != nil {
			continue
		}
		if bytes.Equal(buf[:8], []byte("LABELONE")) {
			return true
		}
	}
	return false
}

// isMDRAID checks the superblock locations of metadata 1.1, 1.2 and 0.90/1.0
// arrays.
func isMDRAID(r io.ReaderAt, offset, size int64) bool {
	candidates := []int64{0, 4096}
	if size > 131072 {
		candidates = append(candidates, (size&^65535)-65536, (size-8192)&^4095)
	}

	buf := make([]byte, 4)
	for _, off := range candidates {
		if off < 0 {
			continue
		}
		if _, err := r.ReadAt(buf, offset+off); err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(buf) == mdraidMagic || binary.BigEndian.Uint32(buf) == mdraidMagic {
			return true
		}
	}
	return false
}
