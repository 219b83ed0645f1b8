package main

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Sectors holding the MBR or protective MBR, the primary GPT header and a
// full 128 entry array, and the backup header plus its array at the end.
const (
	tableHeadSectors = 34
	tableTailSectors = 33
)

// metadataRegions lists the sector ranges a resize may rewrite.
func metadataRegions(dev *Device, fs Filesystem) []SectorRange {
	var regions []SectorRange
	head := min(uint64(tableHeadSectors), dev.SectorCount)
	regions = append(regions, sectorRangeAt(0, head))

	if dev.SectorCount > tableHeadSectors+tableTailSectors {
		if hdr, err := dev.readSectors(1, 1); err == nil && string(hdr[:len(gptSignature)]) == gptSignature {
			regions = append(regions, sectorRangeAt(dev.SectorCount-tableTailSectors, tableTailSectors))
		}
	}

	if f, ok := fs.(*fatFS); ok {
		regions = append(regions, f.metadataRange())
	} else if fs != nil {
		regions = append(regions, sectorRangeAt(fs.Geometry().Start, 1))
	}
	return regions
}

// SnapshotMetadata writes every metadata region to w as a little-endian byte
// offset, byte length and the bytes themselves.
func (nativeServices) SnapshotMetadata(ctx context.Context, dev *Device, fs Filesystem, w io.Writer) error {
	ss := uint64(dev.SectorSize)
	for _, r := range metadataRegions(dev, fs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := dev.readSectors(r.Start, r.Length())
		if err != nil {
			return err
		}
		frame := [2]uint64{r.Start * ss, uint64(len(data))}
		if err := binary.Write(w, binary.LittleEndian, frame); err != nil {
			return errors.Wrap(err, "writing metadata frame")
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrap(err, "writing metadata")
		}
		log.Debugf("saved sectors %s", r)
	}
	return nil
}

// backupMetadata saves what the resize is about to rewrite to r.opts.backup.
func (r *resizer) backupMetadata(ctx context.Context, dev *Device, fs Filesystem) error {
	snap, ok := r.services.(MetadataSnapshotter)
	if !ok {
		return failure(ErrCollaboratorFailure, nil, "metadata backup is not supported for %s", dev.Path)
	}
	err := writeCompressedFile(r.opts.backup, func(w io.Writer) error {
		return snap.SnapshotMetadata(ctx, dev, fs, w)
	})
	if err != nil {
		return failure(ErrCollaboratorFailure, err, "cannot back up metadata to %s", r.opts.backup)
	}
	log.Infof("Saved metadata of %s to %s.", r.opts.fullPath, r.opts.backup)
	return nil
}
