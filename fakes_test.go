package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	fakeDeviceSectors = 1048576
	fakePartStart     = 2048
	fakePartEnd       = fakeDeviceSectors - 1
)

// fakeServices serves one device holding one partition and one filesystem.
type fakeServices struct {
	dev  *Device
	disk *fakeDisk
	fs   *fakeFS

	// unprobeable paths make ProbeDevice fail.
	unprobeable map[string]bool
	opened      []string
	snapshot    []byte
}

func newFakeServices() *fakeServices {
	part := &Partition{
		Number: 1,
		Range:  SectorRange{Start: fakePartStart, End: fakePartEnd},
		FSType: "fat32",
	}
	return &fakeServices{
		dev: &Device{SectorSize: 512, SectorCount: fakeDeviceSectors},
		disk: &fakeDisk{
			part: part,
			table: &PartitionTable{
				Scheme:     "msdos",
				Usable:     SectorRange{Start: 1, End: fakeDeviceSectors - 1},
				Partitions: []*Partition{part},
			},
		},
		fs: &fakeFS{
			fsType: "fat32",
			constraint: Constraint{
				StartRange: sectorRangeAt(fakePartStart, 1),
				EndRange:   SectorRange{Start: fakePartStart + 70000 - 1, End: fakePartEnd},
				MinSize:    70000,
				MaxSize:    fakePartEnd - fakePartStart + 1,
			},
		},
		unprobeable: map[string]bool{},
		snapshot:    []byte("boot sectors"),
	}
}

func (f *fakeServices) OpenDevice(ctx context.Context, path string) (*Device, error) {
	f.opened = append(f.opened, path)
	f.dev.Path = path
	return f.dev, nil
}

func (f *fakeServices) ProbeDevice(ctx context.Context, path string) *Device {
	if f.unprobeable[path] {
		return nil
	}
	return &Device{Path: path, SectorSize: 512, SectorCount: fakeDeviceSectors}
}

func (f *fakeServices) CloseDevice(ctx context.Context, dev *Device) error {
	return nil
}

func (f *fakeServices) OpenDisk(ctx context.Context, dev *Device) (Disk, error) {
	return f.disk, nil
}

func (f *fakeServices) OpenFilesystem(ctx context.Context, dev *Device, geom SectorRange) (Filesystem, error) {
	f.fs.geom = geom
	f.fs.opens++
	return f.fs, nil
}

func (f *fakeServices) FormatUnit(dev *Device, sector uint64) string {
	return formatUnit(dev, sector)
}

func (f *fakeServices) ParseUnit(dev *Device, text string) (uint64, SectorRange, error) {
	return parseUnit(dev, text)
}

func (f *fakeServices) SnapshotMetadata(ctx context.Context, dev *Device, fs Filesystem, w io.Writer) error {
	_, err := w.Write(f.snapshot)
	return err
}

// bareServices hides SnapshotMetadata.
type bareServices struct {
	Services
}

type fakeDisk struct {
	part  *Partition
	table *PartitionTable
	busy  bool

	committed bool
	geomErr   error
}

func (d *fakeDisk) Table() *PartitionTable { return d.table }
func (d *fakeDisk) Partition(number int) *Partition { return d.table.Partition(number) }
func (d *fakeDisk) IsBusy(part *Partition) bool { return d.busy }
func (d *fakeDisk) Close() error { return nil }

func (d *fakeDisk) SetPartitionGeometry(ctx context.Context, part *Partition, c *Constraint, geom SectorRange) error {
	if d.geomErr != nil {
		return d.geomErr
	}
	solved, err := c.solve(geom)
	if err != nil {
		return err
	}
	part.Range = solved
	return nil
}

func (d *fakeDisk) SetPartitionFSType(part *Partition, fsType string) {
	part.FSType = fsType
}

func (d *fakeDisk) Commit(ctx context.Context) error {
	d.committed = true
	return nil
}

type fakeFS struct {
	fsType     string
	geom       SectorRange
	constraint Constraint

	resizeErr error
	resized   *SectorRange
	ticks     int
	opens     int
	closes    int
}

func (f *fakeFS) Type() string { return f.fsType }
func (f *fakeFS) Geometry() SectorRange { return f.geom }

func (f *fakeFS) ResizeConstraint(ctx context.Context) (*Constraint, error) {
	c := f.constraint
	return &c, nil
}

func (f *fakeFS) Resize(ctx context.Context, geom SectorRange, progress ProgressSink) error {
	if f.resizeErr != nil {
		return f.resizeErr
	}
	if progress != nil {
		for _, frac := range []float64{0.5, 1} {
			progress(ProgressTick{Fraction: frac, Phase: "resizing"})
			f.ticks++
		}
	}
	f.resized = &geom
	return nil
}

func (f *fakeFS) Close() error {
	f.closes++
	return nil
}

var errFakeResize = errors.New("disk on fire")

// useServices makes execute run against s for the rest of the test.
func useServices(t *testing.T, s Services) {
	t.Helper()
	saved := newServices
	newServices = func() Services { return s }
	t.Cleanup(func() { newServices = saved })
}

// fakeDevicePath returns an existing regular file to stand in for a device.
func fakeDevicePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return path
}

// recordingHandler answers every event with answer and keeps them for
// inspection.
type recordingHandler struct {
	events []ConfirmationEvent
	answer Option
}

func (h *recordingHandler) Handle(ev ConfirmationEvent) Option {
	h.events = append(h.events, ev)
	return h.answer
}
