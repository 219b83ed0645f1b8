package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openImageDisk(t *testing.T, ctx context.Context, path string) (*Device, Disk) {
	t.Helper()
	dev := openImage(t, path)
	disk, err := nativeServices{}.OpenDisk(ctx, dev)
	require.NoError(t, err)
	return dev, disk
}

func readMBRTable(t *testing.T, path string) *mbr.Table {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	table, err := mbr.Read(f, 512, 512)
	require.NoError(t, err)
	return table
}

func TestOpenDiskMBR(t *testing.T) {
	_, disk := openImageDisk(t, context.Background(), newMBRImage(t))

	table := disk.Table()
	assert.Equal(t, "msdos", table.Scheme)
	assert.Equal(t, SectorRange{Start: 1, End: imageSectors - 1}, table.Usable)

	part := disk.Partition(1)
	require.NotNil(t, part)
	assert.Equal(t, imagePartition, part.Range)
	assert.Equal(t, "fat32", part.FSType)
	assert.Empty(t, part.Path)
	assert.False(t, disk.IsBusy(part))
	assert.Nil(t, disk.Partition(2))
}

func TestOpenDiskUnlabelled(t *testing.T) {
	f, path := newImageFile(t)
	require.NoError(t, f.Close())

	_, err := nativeServices{}.OpenDisk(context.Background(), openImage(t, path))
	assert.Error(t, err)
}

func TestCommitMBR(t *testing.T) {
	path := newMBRImage(t, &mbr.Partition{Type: mbr.Fat16b, Start: imagePartStart, Size: imagePartLen})
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("boot code"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ctx := context.Background()
	dev, disk := openImageDisk(t, ctx, path)
	part := disk.Partition(1)
	require.NotNil(t, part)

	want := SectorRange{Start: imagePartStart, End: 100000}
	c := constraintFromRange(dev, sectorRangeAt(imagePartStart, 1), sectorRangeAt(100000, 1))
	require.NoError(t, disk.SetPartitionGeometry(ctx, part, c, want))
	assert.Equal(t, want, part.Range)
	require.NoError(t, disk.Commit(ctx))
	assert.True(t, dev.BootDirty)

	table := readMBRTable(t, path)
	p := table.Partitions[0]
	assert.Equal(t, uint32(imagePartStart), p.Start)
	assert.Equal(t, uint32(want.Length()), p.Size)
	assert.Equal(t, mbr.Fat32CHS, p.Type)
	assert.Equal(t, lbaToCHS(want.End), [3]byte{p.EndHead, p.EndSector, p.EndCylinder})
	assert.Equal(t, "boot code", string(readImageSector(t, path, 0)[:9]))
}

func TestSetPartitionGeometryKeepsNeighbors(t *testing.T) {
	path := newMBRImage(t,
		&mbr.Partition{Type: mbr.Fat32LBA, Start: imagePartStart, Size: imagePartLen},
		&mbr.Partition{Type: mbr.Linux, Start: 100000, Size: 20000},
	)
	ctx := context.Background()
	dev, disk := openImageDisk(t, ctx, path)

	second := disk.Partition(2)
	require.NotNil(t, second)
	assert.Empty(t, second.FSType)

	part := disk.Partition(1)
	c := constraintFromRange(dev, sectorRangeAt(imagePartStart, 1), SectorRange{Start: 100000, End: 120000})
	err := disk.SetPartitionGeometry(ctx, part, c, SectorRange{Start: imagePartStart, End: 110000})
	assert.True(t, errors.Is(err, ErrInfeasibleConstraint))
	assert.Equal(t, imagePartition, part.Range)

	// a wider end range settles just short of the neighbor
	c = constraintFromRange(dev, sectorRangeAt(imagePartStart, 1), SectorRange{Start: 90000, End: 120000})
	require.NoError(t, disk.SetPartitionGeometry(ctx, part, c, SectorRange{Start: imagePartStart, End: 110000}))
	assert.Equal(t, SectorRange{Start: imagePartStart, End: 99999}, part.Range)
}

func TestExtendedPartitions(t *testing.T) {
	const extStart = 100000
	path := newMBRImage(t,
		&mbr.Partition{Type: mbr.Fat32LBA, Start: imagePartStart, Size: imagePartLen},
		&mbr.Partition{Type: mbr.ExtendedLBA, Start: extStart, Size: 50000},
	)

	ebr := make([]byte, 512)
	putMBREntry(ebr[446:462], mbrPartition{Type: 0x0C, FirstSector: 2048, Sectors: 10000})
	ebr[510], ebr[511] = 0x55, 0xAA
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	writeSector(t, f, extStart, ebr)
	require.NoError(t, f.Close())

	ctx := context.Background()
	dev, disk := openImageDisk(t, ctx, path)

	assert.Nil(t, disk.Partition(2))
	logical := disk.Partition(5)
	require.NotNil(t, logical)
	assert.True(t, logical.Logical)
	assert.Equal(t, sectorRangeAt(extStart+2048, 10000), logical.Range)
	assert.Equal(t, "fat32", logical.FSType)

	c := constraintFromRange(dev, dev.Range(), dev.Range())
	assert.Error(t, disk.SetPartitionGeometry(ctx, logical, c, logical.Range))
}

func TestCommitGPT(t *testing.T) {
	path := newGPTImage(t)
	ctx := context.Background()
	dev, disk := openImageDisk(t, ctx, path)

	table := disk.Table()
	assert.Equal(t, "gpt", table.Scheme)
	assert.Equal(t, SectorRange{Start: 34, End: imageSectors - 33}, table.Usable)

	part := disk.Partition(1)
	require.NotNil(t, part)
	assert.Equal(t, imagePartition, part.Range)
	assert.Equal(t, "fat32", part.FSType)

	c := constraintFromRange(dev, sectorRangeAt(imagePartStart, 1), sectorRangeAt(135156, 1))
	require.NoError(t, disk.SetPartitionGeometry(ctx, part, c, SectorRange{Start: imagePartStart, End: 135156}))
	require.NoError(t, disk.Commit(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	written, err := gpt.Read(f, 512, 512)
	require.NoError(t, err)
	require.Len(t, written.Partitions, 1)
	assert.Equal(t, uint64(imagePartStart), written.Partitions[0].Start)
	assert.Equal(t, uint64(135156), written.Partitions[0].End)
	assert.Equal(t, "data", written.Partitions[0].Name)

	backup := readImageSector(t, path, imageSectors-1)
	assert.Equal(t, gptSignature, string(backup[:8]))
	assert.NoError(t, validateGPTHeaderCRC(backup, binary.LittleEndian.Uint32(backup[12:16])))
}

func TestCorruptGPT(t *testing.T) {
	path := newGPTImage(t)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	// rename partition 1 behind the checksum's back
	_, err = f.WriteAt([]byte{'X'}, 2*512+56)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h := &recordingHandler{answer: OptionCancel}
	ctx := withExceptionHandler(context.Background(), h)
	_, err = nativeServices{}.OpenDisk(ctx, openImage(t, path))
	assert.True(t, errors.Is(err, ErrUserCancelled))
	require.Len(t, h.events, 1)
	assert.True(t, h.events[0].Options.isIgnoreCancel())

	h.answer = OptionIgnore
	disk, err := nativeServices{}.OpenDisk(ctx, openImage(t, path))
	require.NoError(t, err)
	assert.NotNil(t, disk.Partition(1))
}

func TestMBRHelpers(t *testing.T) {
	assert.Equal(t, [3]byte{0, 1, 0}, lbaToCHS(0))
	assert.Equal(t, [3]byte{32, 33, 0}, lbaToCHS(2048))
	assert.Equal(t, [3]byte{0xFE, 0xFF, 0xFF}, lbaToCHS(1024*255*63))

	assert.Equal(t, "fat16", mbrTypeFSType(0x06))
	assert.Equal(t, "fat32", mbrTypeFSType(0x0C))
	assert.Empty(t, mbrTypeFSType(0x83))
	assert.Equal(t, byte(0x0B), mbrFAT32Type(0x06))
	assert.Equal(t, byte(0x0C), mbrFAT32Type(0x0E))
	assert.True(t, isExtendedType(0x0F))

	e := mbrPartition{Status: 0x80, Type: 0x0C, FirstSector: 2048, Sectors: 72080, CHSFirst: lbaToCHS(2048), CHSLast: lbaToCHS(74127)}
	raw := make([]byte, 16)
	putMBREntry(raw, e)
	assert.Equal(t, e, parseMBREntryFromBytes(raw))
}

func TestGPTHelpers(t *testing.T) {
	guid := []byte{0xA2, 0xA0, 0xD0, 0xEB, 0xE5, 0xB9, 0x33, 0x44, 0x87, 0xC0, 0x68, 0xB6, 0xB7, 0x26, 0x99, 0xC7}
	assert.Equal(t, "ebd0a0a2-b9e5-4433-87c0-68b6b72699c7", guidToString(guid))
	assert.Equal(t, "data", decodeUTF16LE([]byte{'d', 0, 'a', 0, 't', 0, 'a', 0, 0, 0, 'x', 0}))

	header := make([]byte, 512)
	copy(header, gptSignature)
	binary.LittleEndian.PutUint32(header[12:], 92)
	resealGPTHeader(header, 92, 0xDEADBEEF)
	assert.NoError(t, validateGPTHeaderCRC(header, 92))
	assert.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(header[gptEntryArrayCRCOffset:]))
	header[60] ^= 1
	assert.Error(t, validateGPTHeaderCRC(header, 92))
}

func TestDetectContainer(t *testing.T) {
	disk := make([]byte, 1<<20)
	assert.Empty(t, detectContainer(bytes.NewReader(disk), 0, int64(len(disk)), 512))

	copy(disk, append(append([]byte{}, luksMagic...), 0, 2))
	assert.Equal(t, containerLUKS, detectContainer(bytes.NewReader(disk), 0, int64(len(disk)), 512))

	disk = make([]byte, 1<<20)
	copy(disk[512:], "LABELONE")
	assert.Equal(t, containerLVM2PV, detectContainer(bytes.NewReader(disk), 0, int64(len(disk)), 512))

	disk = make([]byte, 1<<20)
	binary.LittleEndian.PutUint32(disk[len(disk)-65536:], mdraidMagic)
	assert.Equal(t, containerMDRAID, detectContainer(bytes.NewReader(disk), 0, int64(len(disk)), 512))
}

func TestRunRefusesContainer(t *testing.T) {
	path := newMBRImage(t,
		&mbr.Partition{Type: mbr.Fat32LBA, Start: imagePartStart, Size: imagePartLen},
		&mbr.Partition{Type: mbr.Linux, Start: 100000, Size: 20000},
	)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(append(append([]byte{}, luksMagic...), 0, 2), 100000*512)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, disk := openImageDisk(t, context.Background(), path)
	assert.Equal(t, containerLUKS, disk.Partition(2).FSType)

	code, _, stderr := runCLI(t, "", "-s", "max", "-n", "2", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, path+" is not valid FAT16/FAT32 partition.")
}
