package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// nativeDisk is an MBR or GPT partition table read from a Device. Changes are
// kept in memory until Commit.
type nativeDisk struct {
	dev   *Device
	table *PartitionTable

	// sector0 is the MBR as read; primary entries are patched in place.
	sector0 []byte
	// slots maps primary MBR partitions to their entry index, GPT partitions
	// to their index in the entry array.
	slots map[*Partition]int

	gpt        *gptHeader
	gptRaw     []byte
	gptEntries []byte

	dirty bool
}

func openNativeDisk(ctx context.Context, dev *Device) (*nativeDisk, error) {
	sector0, err := dev.readSectors(0, 1)
	if err != nil {
		return nil, errors.Wrap(err, "reading partition table")
	}
	if len(sector0) < 512 || sector0[510] != 0x55 || sector0[511] != 0xAA {
		return nil, errors.Errorf("%s: unrecognised disk label", dev.Path)
	}

	d := &nativeDisk{
		dev:     dev,
		sector0: sector0,
		slots:   make(map[*Partition]int),
	}
	if dev.SectorCount > 1 {
		raw, err := dev.readSectors(1, 1)
		if err == nil && string(raw[:len(gptSignature)]) == gptSignature {
			err = d.readGPT(ctx, raw)
			return d, err
		}
	}
	return d, d.readMBR(ctx)
}

func (d *nativeDisk) readMBR(ctx context.Context) error {
	mbr := mbrStruct{}
	if err := binary.Read(bytes.NewReader(d.sector0[:512]), binary.LittleEndian, &mbr); err != nil {
		return errors.Wrap(err, "parsing MBR")
	}

	t := &PartitionTable{
		Scheme: "msdos",
		Usable: SectorRange{Start: 1, End: d.dev.SectorCount - 1},
	}
	for i, e := range mbr.Partitions {
		if e.Type == 0x00 || e.Sectors == 0 {
			continue
		}
		if e.Type == 0xEE {
			return errors.Errorf("%s has a protective MBR but no GPT header", d.dev.Path)
		}

		p := &Partition{
			Number: i + 1,
			Range:  sectorRangeAt(uint64(e.FirstSector), uint64(e.Sectors)),
			Path:   d.nodePath(i + 1),
		}
		if p.Range.End >= d.dev.SectorCount {
			return errors.Errorf("partition %d of %s extends past the end of the device", p.Number, d.dev.Path)
		}

		if isExtendedType(e.Type) {
			p.Container = true
			t.Partitions = append(t.Partitions, p)

			logicals, err := readEBRChain(d.dev, e.FirstSector)
			if err != nil {
				log.Warnf("Could not read extended partition chain: %v", err)
				continue
			}
			for j, l := range logicals {
				lp := &Partition{
					Number:  5 + j,
					Range:   sectorRangeAt(uint64(l.FirstSector), uint64(l.Sectors)),
					Path:    d.nodePath(5 + j),
					Logical: true,
				}
				lp.FSType = d.probeFSType(l.Type, lp.Range)
				t.Partitions = append(t.Partitions, lp)
			}
			continue
		}

		p.FSType = d.probeFSType(e.Type, p.Range)
		d.slots[p] = i
		t.Partitions = append(t.Partitions, p)
		log.Debugf("mbr partition %d: type 0x%02x, %s, fs %q", p.Number, e.Type, p.Range, p.FSType)
	}
	t.sort()
	d.table = t
	return nil
}

func (d *nativeDisk) readGPT(ctx context.Context, raw []byte) error {
	header := gptHeader{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &header); err != nil {
		return errors.Wrap(err, "parsing GPT header")
	}
	if header.HeaderSize < 92 || int(header.HeaderSize) > len(raw) {
		return errors.Errorf("invalid GPT header size: %d", header.HeaderSize)
	}
	if err := validateGPTHeaderCRC(raw, header.HeaderSize); err != nil {
		if err := d.confirmCorruption(ctx, err); err != nil {
			return err
		}
	}
	if header.PartEntrySize < 128 || header.NumPartEntries == 0 {
		return errors.Errorf("invalid GPT entry layout: %d entries of %d bytes", header.NumPartEntries, header.PartEntrySize)
	}

	ss := uint64(d.dev.SectorSize)
	tableBytes := uint64(header.NumPartEntries) * uint64(header.PartEntrySize)
	entries, err := d.dev.readSectors(header.PartitionEntryLBA, (tableBytes+ss-1)/ss)
	if err != nil {
		return errors.Wrap(err, "reading GPT entries")
	}
	entries = entries[:tableBytes]
	if err := validateGPTEntriesCRC(entries, header.PartEntryArrayCRC32); err != nil {
		if err := d.confirmCorruption(ctx, err); err != nil {
			return err
		}
	}

	t := &PartitionTable{
		Scheme: "gpt",
		Usable: SectorRange{Start: header.FirstUsableLBA, End: min(header.LastUsableLBA, d.dev.SectorCount-1)},
	}
	for i := uint32(0); i < header.NumPartEntries; i++ {
		off := uint64(i) * uint64(header.PartEntrySize)
		entry := gptPartition{}
		if err := binary.Read(bytes.NewReader(entries[off:off+128]), binary.LittleEndian, &entry); err != nil {
			return errors.Wrapf(err, "parsing GPT entry %d", i)
		}
		if isAllZero(entry.TypeGUID[:]) {
			continue
		}
		if entry.LastLBA < entry.FirstLBA || entry.LastLBA >= d.dev.SectorCount {
			return errors.Errorf("GPT entry %d has invalid range %d-%d", i+1, entry.FirstLBA, entry.LastLBA)
		}

		p := &Partition{
			Number: int(i) + 1,
			Range:  SectorRange{Start: entry.FirstLBA, End: entry.LastLBA},
			Path:   d.nodePath(int(i) + 1),
		}
		p.FSType = d.probeFSType(0, p.Range)
		d.slots[p] = int(i)
		t.Partitions = append(t.Partitions, p)
		log.Debugf("gpt partition %d %q: type %s, %s, fs %q",
			p.Number, decodeUTF16LE(entry.PartitionName[:]), guidToString(entry.TypeGUID[:]), p.Range, p.FSType)
	}
	t.sort()

	d.table = t
	d.gpt = &header
	d.gptRaw = raw
	d.gptEntries = entries
	return nil
}

// confirmCorruption asks whether to carry on with a table that fails its
// checksum.
func (d *nativeDisk) confirmCorruption(ctx context.Context, cause error) error {
	opt := throwException(ctx, SeverityWarning, newOptionSet(OptionIgnore, OptionCancel),
		"The GPT on %s is corrupt: %v. Ignore to use it anyway.", d.dev.Path, cause)
	if opt != OptionIgnore {
		return errors.Wrap(ErrUserCancelled, cause.Error())
	}
	return nil
}

func (d *nativeDisk) probeFSType(typeID byte, r SectorRange) string {
	ss := uint64(d.dev.SectorSize)
	offset := int64(r.Start * ss)
	fs := detectFileSystem(d.dev.rw, offset)
	if fs != unknownFileSystem {
		return fs
	}
	if c := detectContainer(d.dev.rw, offset, int64(r.Length()*ss), ss); c != "" {
		return c
	}
	return mbrTypeFSType(typeID)
}

func (d *nativeDisk) nodePath(n int) string {
	if d.dev.Type != DeviceTypeBlock {
		return ""
	}
	return partitionPath(d.dev.Path, n)
}

func (d *nativeDisk) Table() *PartitionTable {
	return d.table
}

func (d *nativeDisk) Partition(number int) *Partition {
	return d.table.Partition(number)
}

func (d *nativeDisk) IsBusy(part *Partition) bool {
	if part.Path == "" {
		return false
	}
	mountPoint, err := findMountPointForDevice(part.Path)
	if err != nil {
		return false
	}
	log.Debugf("%s is mounted on %s", part.Path, mountPoint)
	return true
}

func (d *nativeDisk) SetPartitionGeometry(ctx context.Context, part *Partition, c *Constraint, geom SectorRange) error {
	if part.Logical {
		return errors.Errorf("resizing logical partition %d is not supported", part.Number)
	}
	if _, ok := d.slots[part]; !ok {
		return errors.Errorf("partition %d does not belong to %s", part.Number, d.dev.Path)
	}

	fits, err := intersectConstraints(c, freeRegionConstraint(d.dev, d.table, part))
	if err != nil {
		return errors.Wrapf(err, "partition %d cannot be placed at %s", part.Number, geom)
	}
	solved, err := fits.solve(geom)
	if err != nil {
		return errors.Wrapf(err, "partition %d cannot be placed at %s", part.Number, geom)
	}
	if d.gpt == nil && (solved.Start > 0xFFFFFFFF || solved.Length() > 0xFFFFFFFF) {
		return errors.Errorf("partition %d at %s does not fit an MBR entry", part.Number, solved)
	}

	log.Debugf("partition %d: %s -> %s", part.Number, part.Range, solved)
	part.Range = solved
	d.dirty = true
	return nil
}

func (d *nativeDisk) SetPartitionFSType(part *Partition, fsType string) {
	if part.FSType != fsType {
		part.FSType = fsType
		d.dirty = true
	}
}

func (d *nativeDisk) Commit(ctx context.Context) error {
	if !d.dirty {
		return nil
	}

	var err error
	if d.gpt != nil {
		err = d.commitGPT()
	} else {
		err = d.commitMBR()
	}
	if err != nil {
		return err
	}
	if err := d.dev.sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", d.dev.Path)
	}
	d.dirty = false

	if f, ok := d.dev.rw.(*os.File); ok && d.dev.Type == DeviceTypeBlock {
		if err := rereadPartitionTable(f); err != nil {
			throwException(ctx, SeverityWarning, newOptionSet(OptionOK),
				"The kernel could not re-read the partition table of %s (%v). Reboot before using the resized partition.",
				d.dev.Path, err)
		}
	}
	return nil
}

func (d *nativeDisk) commitMBR() error {
	for p, slot := range d.slots {
		off := 446 + 16*slot
		e := parseMBREntryFromBytes(d.sector0[off : off+16])
		e.FirstSector = uint32(p.Range.Start)
		e.Sectors = uint32(p.Range.Length())
		e.CHSFirst = lbaToCHS(p.Range.Start)
		e.CHSLast = lbaToCHS(p.Range.End)
		if p.FSType == "fat32" && mbrTypeFSType(e.Type) == "fat16" {
			e.Type = mbrFAT32Type(e.Type)
		}
		putMBREntry(d.sector0[off:off+16], e)
	}
	return d.dev.writeAt(d.sector0, 0)
}

func (d *nativeDisk) commitGPT() error {
	ss := uint64(d.dev.SectorSize)
	for p, slot := range d.slots {
		off := uint64(slot) * uint64(d.gpt.PartEntrySize)
		binary.LittleEndian.PutUint64(d.gptEntries[off+gptFirstLBAOffset:], p.Range.Start)
		binary.LittleEndian.PutUint64(d.gptEntries[off+gptLastLBAOffset:], p.Range.End)
	}
	entriesCRC := crc32.ChecksumIEEE(d.gptEntries)

	if err := d.dev.writeAt(d.gptEntries, int64(d.gpt.PartitionEntryLBA*ss)); err != nil {
		return errors.Wrap(err, "writing GPT entries")
	}
	resealGPTHeader(d.gptRaw, d.gpt.HeaderSize, entriesCRC)
	if err := d.dev.writeAt(d.gptRaw, int64(ss)); err != nil {
		return errors.Wrap(err, "writing GPT header")
	}

	if d.gpt.BackupLBA == 0 || d.gpt.BackupLBA >= d.dev.SectorCount {
		log.Warnf("%s has no usable backup GPT header", d.dev.Path)
		return nil
	}
	backupRaw, err := d.dev.readSectors(d.gpt.BackupLBA, 1)
	if err != nil {
		return errors.Wrap(err, "reading backup GPT header")
	}
	backup := gptHeader{}
	if err := binary.Read(bytes.NewReader(backupRaw), binary.LittleEndian, &backup); err != nil {
		return errors.Wrap(err, "parsing backup GPT header")
	}
	if string(backup.Signature[:]) != gptSignature || backup.HeaderSize < 92 || int(backup.HeaderSize) > len(backupRaw) {
		log.Warnf("%s has an invalid backup GPT header, leaving it alone", d.dev.Path)
		return nil
	}

	if err := d.dev.writeAt(d.gptEntries, int64(backup.PartitionEntryLBA*ss)); err != nil {
		return errors.Wrap(err, "writing backup GPT entries")
	}
	resealGPTHeader(backupRaw, backup.HeaderSize, entriesCRC)
	if err := d.dev.writeAt(backupRaw, int64(d.gpt.BackupLBA*ss)); err != nil {
		return errors.Wrap(err, "writing backup GPT header")
	}
	return nil
}

func (d *nativeDisk) Close() error {
	return nil
}
