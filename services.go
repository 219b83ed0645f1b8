package main

import (
	"context"
	"io"
	"sort"
)

// Services is everything the resizer needs from the disk and filesystem layer.
// Every call that can raise a confirmation event takes the run context, which
// carries the exception handler installed by withExceptionHandler.
type Services interface {
	OpenDevice(ctx context.Context, path string) (*Device, error)
	// ProbeDevice reports whether path can be opened as a device. Failures are
	// swallowed and reported as nil.
	ProbeDevice(ctx context.Context, path string) *Device
	CloseDevice(ctx context.Context, dev *Device) error

	OpenDisk(ctx context.Context, dev *Device) (Disk, error)
	OpenFilesystem(ctx context.Context, dev *Device, geom SectorRange) (Filesystem, error)

	// FormatUnit renders a sector position in the device's display unit.
	FormatUnit(dev *Device, sector uint64) string
	// ParseUnit reads a display string back into a sector and the range of
	// sectors the string could have meant.
	ParseUnit(dev *Device, text string) (uint64, SectorRange, error)
}

// Disk is an opened partition table.
type Disk interface {
	Table() *PartitionTable
	Partition(number int) *Partition
	IsBusy(part *Partition) bool
	// SetPartitionGeometry moves part to the geometry nearest to geom that
	// satisfies c and does not overlap a neighbor. part.Range is updated.
	SetPartitionGeometry(ctx context.Context, part *Partition, c *Constraint, geom SectorRange) error
	SetPartitionFSType(part *Partition, fsType string)
	Commit(ctx context.Context) error
	Close() error
}

// Filesystem is an opened FAT filesystem.
type Filesystem interface {
	Type() string
	Geometry() SectorRange
	ResizeConstraint(ctx context.Context) (*Constraint, error)
	Resize(ctx context.Context, geom SectorRange, progress ProgressSink) error
	Close() error
}

// MetadataSnapshotter is implemented by services that can save the on-disk
// metadata a resize rewrites.
type MetadataSnapshotter interface {
	SnapshotMetadata(ctx context.Context, dev *Device, fs Filesystem, w io.Writer) error
}

type DeviceType int

const (
	DeviceTypeFile DeviceType = iota
	DeviceTypeBlock
)

func (t DeviceType) String() string {
	if t == DeviceTypeBlock {
		return "block"
	}
	return "file"
}

type blockIO interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Device is an opened disk or disk image.
type Device struct {
	Path        string
	Type        DeviceType
	SectorSize  uint32
	SectorCount uint64
	// BootDirty is set once sector 0 has been rewritten.
	BootDirty bool

	rw blockIO
}

func (d *Device) Range() SectorRange {
	return SectorRange{Start: 0, End: d.SectorCount - 1}
}

// bytesToSectors rounds up.
func (d *Device) bytesToSectors(n uint64) uint64 {
	ss := uint64(d.SectorSize)
	return (n + ss - 1) / ss
}

// Partition is one entry of a partition table. Free is set on the pseudo
// partitions describing unallocated space.
type Partition struct {
	Number int
	Range  SectorRange
	FSType string
	Path   string

	Logical   bool
	Container bool
	Free      bool
}

// PartitionTable lists partitions ordered by start sector.
type PartitionTable struct {
	Scheme     string
	Usable     SectorRange
	Partitions []*Partition
}

// wholeDeviceTable treats the device as a single region, as used when no
// partition number is given.
func wholeDeviceTable(dev *Device) *PartitionTable {
	return &PartitionTable{
		Scheme:     "loop",
		Usable:     dev.Range(),
		Partitions: []*Partition{{Number: 0, Range: dev.Range(), Path: dev.Path}},
	}
}

func (t *PartitionTable) sort() {
	sort.SliceStable(t.Partitions, func(i, j int) bool {
		return t.Partitions[i].Range.Start < t.Partitions[j].Range.Start
	})
}

func (t *PartitionTable) Partition(number int) *Partition {
	for _, p := range t.Partitions {
		if p.Number == number && !p.Container {
			return p
		}
	}
	return nil
}

// regions returns the non-container partitions plus the free gaps between
// them inside the usable area.
func (t *PartitionTable) regions() []*Partition {
	var out []*Partition
	next := t.Usable.Start
	for _, p := range t.Partitions {
		if p.Container {
			continue
		}
		if p.Range.Start > next {
			out = append(out, &Partition{Number: -1, Range: SectorRange{Start: next, End: p.Range.Start - 1}, Free: true})
		}
		out = append(out, p)
		if p.Range.End+1 > next {
			next = p.Range.End + 1
		}
	}
	if next <= t.Usable.End {
		out = append(out, &Partition{Number: -1, Range: SectorRange{Start: next, End: t.Usable.End}, Free: true})
	}
	return out
}

// PartitionBySector returns the partition or free region holding sector, or
// nil when sector lies outside the usable area.
func (t *PartitionTable) PartitionBySector(sector uint64) *Partition {
	for _, p := range t.regions() {
		if p.Range.Contains(sector) {
			return p
		}
	}
	return nil
}

// neighbors are the partitions part must not overlap: entries on the same
// level of the table other than part itself.
func (t *PartitionTable) neighbors(part *Partition) []*Partition {
	var out []*Partition
	for _, p := range t.Partitions {
		if p == part || p.Logical != part.Logical {
			continue
		}
		out = append(out, p)
	}
	return out
}
