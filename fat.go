package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// bpb is the BIOS parameter block at the start of a FAT boot sector. The
// FAT32 fields are only meaningful when FATSz16 is zero.
type bpb struct {
	JmpBoot     [3]byte
	OEMName     [8]byte
	BytsPerSec  uint16
	SecPerClus  uint8
	ResvdSecCnt uint16
	NumFATs     uint8
	RootEntCnt  uint16
	TotSec16    uint16
	Media       uint8
	FATSz16     uint16
	SecPerTrk   uint16
	NumHeads    uint16
	HiddSec     uint32
	TotSec32    uint32

	FATSz32   uint32
	ExtFlags  uint16
	FSVer     uint16
	RootClus  uint32
	FSInfo    uint16
	BkBootSec uint16
}

const (
	bpbTotSec16Offset = 19
	bpbTotSec32Offset = 32

	fsInfoLeadSig       = 0x41615252
	fsInfoStrucSig      = 0x61417272
	fsInfoStrucSigOff   = 484
	fsInfoFreeCountOff  = 488
	fsInfoNextFreeOff   = 492
	fsInfoUnknown       = 0xFFFFFFFF
	fat16MinClusters    = 4085
	fat32MinClusters    = 65525
	fat16MaxClusters    = 65524
	fat32MaxClusters    = 0x0FFFFFF5
	fatScanChunk        = 1 << 20
	fatUsedMask32       = 0x0FFFFFFF
	fatMaxTotalSectors  = 0xFFFFFFFF
	fat16TotSec16Limit  = 0x10000
	fatBootSignatureOff = 510
)

// fatLayout is the geometry derived from a boot sector.
type fatLayout struct {
	fsType         string
	bytesPerSector uint64
	secPerClus     uint64
	reserved       uint64
	numFATs        uint64
	fatSize        uint64
	rootDirSectors uint64
	totalSectors   uint64
	clusters       uint64

	fsInfo    uint64
	backupBPB uint64
}

// metaSectors is everything before the first data cluster.
func (l *fatLayout) metaSectors() uint64 {
	return l.reserved + l.numFATs*l.fatSize + l.rootDirSectors
}

func (l *fatLayout) entryBytes() uint64 {
	if l.fsType == "fat32" {
		return 4
	}
	return 2
}

// clusterLimits returns the cluster counts this FAT type may hold, the upper
// one limited by the size of the existing FAT tables.
func (l *fatLayout) clusterLimits() (uint64, uint64) {
	capacity := l.fatSize*l.bytesPerSector/l.entryBytes() - 2
	if l.fsType == "fat32" {
		return fat32MinClusters, min(capacity, fat32MaxClusters)
	}
	return fat16MinClusters, min(capacity, fat16MaxClusters)
}

func decodeBootSector(buf []byte) (*fatLayout, error) {
	if len(buf) < 512 || buf[fatBootSignatureOff] != 0x55 || buf[fatBootSignatureOff+1] != 0xAA {
		return nil, errors.New("missing boot sector signature")
	}
	b := bpb{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &b); err != nil {
		return nil, errors.Wrap(err, "parsing boot sector")
	}

	switch b.BytsPerSec {
	case 512, 1024, 2048, 4096:
	default:
		return nil, errors.Errorf("invalid bytes per sector %d", b.BytsPerSec)
	}
	if b.SecPerClus == 0 || b.SecPerClus&(b.SecPerClus-1) != 0 {
		return nil, errors.Errorf("invalid sectors per cluster %d", b.SecPerClus)
	}
	if b.ResvdSecCnt == 0 || b.NumFATs == 0 {
		return nil, errors.New("invalid reserved sector or FAT count")
	}

	l := &fatLayout{
		bytesPerSector: uint64(b.BytsPerSec),
		secPerClus:     uint64(b.SecPerClus),
		reserved:       uint64(b.ResvdSecCnt),
		numFATs:        uint64(b.NumFATs),
		fatSize:        uint64(b.FATSz16),
		totalSectors:   uint64(b.TotSec16),
		rootDirSectors: (uint64(b.RootEntCnt)*32 + uint64(b.BytsPerSec) - 1) / uint64(b.BytsPerSec),
	}
	if l.fatSize == 0 {
		l.fatSize = uint64(b.FATSz32)
	}
	if l.totalSectors == 0 {
		l.totalSectors = uint64(b.TotSec32)
	}
	if l.fatSize == 0 || l.totalSectors <= l.metaSectors() {
		return nil, errors.New("inconsistent FAT geometry")
	}
	l.clusters = (l.totalSectors - l.metaSectors()) / l.secPerClus

	switch {
	case b.FATSz16 == 0:
		l.fsType = "fat32"
		l.fsInfo = uint64(b.FSInfo)
		l.backupBPB = uint64(b.BkBootSec)
	case l.clusters < fat16MinClusters:
		l.fsType = "fat12"
	default:
		l.fsType = "fat16"
	}
	return l, nil
}

// fatTypeFromBootSector returns the FAT variant of a boot sector, or "" when
// buf is not one.
func fatTypeFromBootSector(buf []byte) string {
	l, err := decodeBootSector(buf)
	if err != nil {
		return ""
	}
	return l.fsType
}

// fatFS is an opened FAT16 or FAT32 filesystem. Resizing keeps the start and
// the FAT tables in place: growing claims new clusters at the end, shrinking
// gives up free clusters at the end.
type fatFS struct {
	dev    *Device
	start  uint64
	layout *fatLayout
	boot   []byte
}

func openFAT(ctx context.Context, dev *Device, geom SectorRange) (*fatFS, error) {
	boot, err := dev.readSectors(geom.Start, 1)
	if err != nil {
		return nil, err
	}
	layout, err := decodeBootSector(boot)
	if err != nil {
		return nil, errors.Wrap(ErrNotFatFilesystem, err.Error())
	}
	if layout.fsType == "fat12" {
		return nil, errors.Wrap(ErrNotFatFilesystem, "FAT12 filesystems cannot be resized")
	}
	if layout.bytesPerSector != uint64(dev.SectorSize) {
		return nil, errors.Errorf("filesystem sector size %d does not match device sector size %d",
			layout.bytesPerSector, dev.SectorSize)
	}
	if geom.Start+layout.totalSectors > dev.SectorCount {
		return nil, errors.Errorf("filesystem of %d sectors at %d extends past the end of %s",
			layout.totalSectors, geom.Start, dev.Path)
	}

	log.Debugf("%s at %d: %d clusters of %d sectors, %d FATs of %d sectors",
		layout.fsType, geom.Start, layout.clusters, layout.secPerClus, layout.numFATs, layout.fatSize)
	return &fatFS{dev: dev, start: geom.Start, layout: layout, boot: boot}, nil
}

func (f *fatFS) Type() string {
	return f.layout.fsType
}

func (f *fatFS) Geometry() SectorRange {
	return sectorRangeAt(f.start, f.layout.totalSectors)
}

// metadataRange covers the boot sector, reserved area, FATs and the FAT16
// root directory.
func (f *fatFS) metadataRange() SectorRange {
	return sectorRangeAt(f.start, f.layout.metaSectors())
}

func (f *fatFS) fatOffset(copyIndex uint64) int64 {
	return int64((f.start + f.layout.reserved + copyIndex*f.layout.fatSize) * f.layout.bytesPerSector)
}

// highestUsedCluster scans the first FAT for the last allocated cluster. It
// returns 1 when no cluster is in use.
func (f *fatFS) highestUsedCluster(ctx context.Context) (uint64, error) {
	eb := f.layout.entryBytes()
	last := f.layout.clusters + 1
	total := (last + 1) * eb
	highest := uint64(1)

	buf := make([]byte, fatScanChunk)
	for off := uint64(0); off < total; off += fatScanChunk {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		chunk := buf[:min(fatScanChunk, total-off)]
		if err := f.dev.readAt(chunk, f.fatOffset(0)+int64(off)); err != nil {
			return 0, err
		}
		for i := uint64(0); i+eb <= uint64(len(chunk)); i += eb {
			cluster := (off + i) / eb
			if cluster < 2 {
				continue
			}
			var used bool
			if eb == 4 {
				used = binary.LittleEndian.Uint32(chunk[i:])&fatUsedMask32 != 0
			} else {
				used = binary.LittleEndian.Uint16(chunk[i:]) != 0
			}
			if used {
				highest = cluster
			}
		}
	}
	return highest, nil
}

func (f *fatFS) ResizeConstraint(ctx context.Context) (*Constraint, error) {
	l := f.layout
	meta := l.metaSectors()
	floor, ceiling := l.clusterLimits()

	highest, err := f.highestUsedCluster(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "scanning FAT")
	}
	if highest > 1 {
		floor = max(floor, highest-1)
	}

	minSize := meta + floor*l.secPerClus
	maxSize := meta + (ceiling+1)*l.secPerClus - 1
	maxSize = min(maxSize, f.dev.SectorCount-f.start, fatMaxTotalSectors)
	if minSize > maxSize {
		return nil, errors.Wrapf(ErrInfeasibleConstraint, "filesystem needs %d sectors but at most %d are possible", minSize, maxSize)
	}

	c := &Constraint{
		StartRange: sectorRangeAt(f.start, 1),
		EndRange:   SectorRange{Start: f.start + minSize - 1, End: f.start + maxSize - 1},
		MinSize:    minSize,
		MaxSize:    maxSize,
	}
	log.Debugf("%s resize constraint: %s (highest used cluster %d)", l.fsType, c, highest)
	return c, nil
}

func (f *fatFS) Resize(ctx context.Context, geom SectorRange, progress ProgressSink) error {
	if geom.Start != f.start {
		return errors.Errorf("cannot move the start of the filesystem from %d to %d", f.start, geom.Start)
	}
	c, err := f.ResizeConstraint(ctx)
	if err != nil {
		return err
	}
	length := geom.Length()
	if length < c.MinSize || length > c.MaxSize {
		return errors.Wrapf(ErrInfeasibleConstraint, "%d sectors is outside %d-%d", length, c.MinSize, c.MaxSize)
	}

	l := f.layout
	newClusters := (length - l.metaSectors()) / l.secPerClus
	begun := time.Now()
	tick := func(phase string, fraction float64) {
		if progress != nil {
			progress(ProgressTick{Elapsed: time.Since(begun), Fraction: fraction, Phase: phase})
		}
	}

	if newClusters > l.clusters {
		if err := f.clearEntries(ctx, l.clusters+2, newClusters+2, tick); err != nil {
			return err
		}
	}

	tick("updating boot sector", 0.95)
	if err := f.writeTotalSectors(length); err != nil {
		return err
	}
	if l.fsType == "fat32" {
		if err := f.invalidateFSInfo(); err != nil {
			return err
		}
	}
	tick("updating boot sector", 1)

	log.Debugf("%s resized from %d to %d clusters", l.fsType, l.clusters, newClusters)
	l.totalSectors = length
	l.clusters = newClusters
	return nil
}

// clearEntries zeroes FAT entries [from, to) in every FAT copy.
func (f *fatFS) clearEntries(ctx context.Context, from, to uint64, tick func(string, float64)) error {
	eb := f.layout.entryBytes()
	begin, end := from*eb, to*eb
	total := (end - begin) * f.layout.numFATs
	zero := make([]byte, fatScanChunk)

	done := uint64(0)
	for i := uint64(0); i < f.layout.numFATs; i++ {
		for off := begin; off < end; off += fatScanChunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := min(fatScanChunk, end-off)
			if err := f.dev.writeAt(zero[:n], f.fatOffset(i)+int64(off)); err != nil {
				return errors.Wrapf(err, "clearing FAT %d", i+1)
			}
			done += n
			tick("clearing new clusters", 0.95*float64(done)/float64(total))
		}
	}
	return nil
}

func putTotalSectors(boot []byte, fsType string, length uint64) {
	if fsType == "fat16" && length < fat16TotSec16Limit {
		binary.LittleEndian.PutUint16(boot[bpbTotSec16Offset:], uint16(length))
		binary.LittleEndian.PutUint32(boot[bpbTotSec32Offset:], 0)
		return
	}
	binary.LittleEndian.PutUint16(boot[bpbTotSec16Offset:], 0)
	binary.LittleEndian.PutUint32(boot[bpbTotSec32Offset:], uint32(length))
}

func (f *fatFS) writeTotalSectors(length uint64) error {
	ss := int64(f.layout.bytesPerSector)
	putTotalSectors(f.boot, f.layout.fsType, length)
	if err := f.dev.writeAt(f.boot, int64(f.start)*ss); err != nil {
		return errors.Wrap(err, "writing boot sector")
	}

	if f.layout.fsType != "fat32" || f.layout.backupBPB == 0 || f.layout.backupBPB >= f.layout.reserved {
		return nil
	}
	backup, err := f.dev.readSectors(f.start+f.layout.backupBPB, 1)
	if err != nil {
		return errors.Wrap(err, "reading backup boot sector")
	}
	if fatTypeFromBootSector(backup) != "fat32" {
		log.Warnf("backup boot sector at %d is not valid, leaving it alone", f.layout.backupBPB)
		return nil
	}
	putTotalSectors(backup, "fat32", length)
	if err := f.dev.writeAt(backup, int64(f.start+f.layout.backupBPB)*ss); err != nil {
		return errors.Wrap(err, "writing backup boot sector")
	}
	return nil
}

// invalidateFSInfo marks the free cluster count and next free hint unknown in
// the FSInfo sector and its backup, so they get recomputed.
func (f *fatFS) invalidateFSInfo() error {
	sectors := []uint64{f.layout.fsInfo}
	if f.layout.backupBPB != 0 && f.layout.backupBPB+f.layout.fsInfo < f.layout.reserved {
		sectors = append(sectors, f.layout.backupBPB+f.layout.fsInfo)
	}
	for _, s := range sectors {
		if s == 0 || s >= f.layout.reserved {
			continue
		}
		buf, err := f.dev.readSectors(f.start+s, 1)
		if err != nil {
			return errors.Wrap(err, "reading FSInfo")
		}
		if binary.LittleEndian.Uint32(buf[0:]) != fsInfoLeadSig || binary.LittleEndian.Uint32(buf[fsInfoStrucSigOff:]) != fsInfoStrucSig {
			log.Warnf("FSInfo sector %d has no valid signature, leaving it alone", s)
			continue
		}
		binary.LittleEndian.PutUint32(buf[fsInfoFreeCountOff:], fsInfoUnknown)
		binary.LittleEndian.PutUint32(buf[fsInfoNextFreeOff:], fsInfoUnknown)
		if err := f.dev.writeAt(buf, int64((f.start+s)*f.layout.bytesPerSector)); err != nil {
			return errors.Wrap(err, "writing FSInfo")
		}
	}
	return nil
}

func (f *fatFS) Close() error {
	return nil
}
