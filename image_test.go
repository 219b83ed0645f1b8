package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/stretchr/testify/require"
)

// The test image is a sparse 128MiB disk with one FAT32 partition of 70000
// single-sector clusters, leaving room to grow up to the capacity of its
// 1024-sector FATs.
const (
	imageSectors   = 262144
	imageSize      = imageSectors * 512
	imagePartStart = 2048
	imagePartLen   = 72080
	imagePartEnd   = imagePartStart + imagePartLen - 1

	imageReserved = 32
	imageFATSize  = 1024
	imageMeta     = imageReserved + 2*imageFATSize
)

func newImageFile(t *testing.T) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(imageSize))
	return f, path
}

func writeSector(t *testing.T, f *os.File, sector uint64, data []byte) {
	t.Helper()
	_, err := f.WriteAt(data, int64(sector*512))
	require.NoError(t, err)
}

func bootSector(t *testing.T, b bpb) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, b))
	sector := make([]byte, 512)
	copy(sector, buf.Bytes())
	sector[510], sector[511] = 0x55, 0xAA
	return sector
}

// writeFAT32 formats a FAT32 volume of total sectors at start with only the
// root directory cluster allocated.
func writeFAT32(t *testing.T, f *os.File, start, total uint64) {
	t.Helper()
	b := bpb{
		JmpBoot:     [3]byte{0xEB, 0x58, 0x90},
		BytsPerSec:  512,
		SecPerClus:  1,
		ResvdSecCnt: imageReserved,
		NumFATs:     2,
		Media:       0xF8,
		SecPerTrk:   63,
		NumHeads:    255,
		HiddSec:     uint32(start),
		TotSec32:    uint32(total),
		FATSz32:     imageFATSize,
		RootClus:    2,
		FSInfo:      1,
		BkBootSec:   6,
	}
	copy(b.OEMName[:], "MSWIN4.1")
	boot := bootSector(t, b)

	fsInfo := make([]byte, 512)
	binary.LittleEndian.PutUint32(fsInfo[0:], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(fsInfo[fsInfoStrucSigOff:], fsInfoStrucSig)
	binary.LittleEndian.PutUint32(fsInfo[fsInfoFreeCountOff:], uint32(total-imageMeta-1))
	binary.LittleEndian.PutUint32(fsInfo[fsInfoNextFreeOff:], 3)
	fsInfo[510], fsInfo[511] = 0x55, 0xAA

	writeSector(t, f, start, boot)
	writeSector(t, f, start+1, fsInfo)
	writeSector(t, f, start+6, boot)
	writeSector(t, f, start+7, fsInfo)

	fat := make([]byte, 12)
	binary.LittleEndian.PutUint32(fat[0:], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fat[8:], 0x0FFFFFFF)
	writeSector(t, f, start+imageReserved, fat)
	writeSector(t, f, start+imageReserved+imageFATSize, fat)
}

// setFATEntry marks cluster as used in both FATs of the volume at start.
func setFATEntry(t *testing.T, f *os.File, start, cluster uint64) {
	t.Helper()
	entry := make([]byte, 4)
	binary.LittleEndian.PutUint32(entry, 0x0FFFFFFF)
	for i := uint64(0); i < 2; i++ {
		_, err := f.WriteAt(entry, int64((start+imageReserved+i*imageFATSize)*512+cluster*4))
		require.NoError(t, err)
	}
}

// newMBRImage writes a disk image with the given MBR partitions and a FAT32
// volume in the first one.
func newMBRImage(t *testing.T, parts ...*mbr.Partition) string {
	t.Helper()
	f, path := newImageFile(t)
	defer f.Close()

	if len(parts) == 0 {
		parts = []*mbr.Partition{{Type: mbr.Fat32LBA, Start: imagePartStart, Size: imagePartLen}}
	}
	table := &mbr.Table{Partitions: parts, LogicalSectorSize: 512, PhysicalSectorSize: 512}
	require.NoError(t, table.Write(f, imageSize))
	writeFAT32(t, f, uint64(parts[0].Start), uint64(parts[0].Size))
	return path
}

func newGPTImage(t *testing.T) string {
	t.Helper()
	f, path := newImageFile(t)
	defer f.Close()

	table := &gpt.Table{
		Partitions: []*gpt.Partition{
			{Start: imagePartStart, End: imagePartEnd, Type: gpt.MicrosoftBasicData, Name: "data"},
		},
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		ProtectiveMBR:      true,
	}
	require.NoError(t, table.Write(f, imageSize))
	writeFAT32(t, f, imagePartStart, imagePartLen)
	return path
}

func openImage(t *testing.T, path string) *Device {
	t.Helper()
	s := nativeServices{}
	dev, err := s.OpenDevice(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.CloseDevice(context.Background(), dev) })
	return dev
}

func readImageSector(t *testing.T, path string, sector uint64) []byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 512)
	_, err = f.ReadAt(buf, int64(sector*512))
	require.NoError(t, err)
	return buf
}
