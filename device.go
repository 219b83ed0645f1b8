package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultSectorSize = 512

// nativeServices implements Services directly on disk images and Linux block
// devices.
type nativeServices struct{}

func (nativeServices) OpenDevice(ctx context.Context, path string) (*Device, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		log.Debugf("opening %s read-write: %v", path, err)
		file, err = os.Open(path)
		if err != nil {
			return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
		}
	}

	dev := &Device{Path: path, rw: file}
	if st.Mode().IsRegular() {
		dev.Type = DeviceTypeFile
		dev.SectorSize = defaultSectorSize
		dev.SectorCount = uint64(st.Size()) / defaultSectorSize
	} else {
		dev.Type = DeviceTypeBlock
		dev.SectorSize, dev.SectorCount, err = blockDeviceGeometry(file)
		if err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(ErrDeviceUnavailable, "%s: %v", path, err)
		}
	}
	if dev.SectorCount == 0 {
		_ = file.Close()
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s is empty", path)
	}

	log.Debugf("opened %s device %s: %d sectors of %d bytes", dev.Type, path, dev.SectorCount, dev.SectorSize)
	return dev, nil
}

func (s nativeServices) ProbeDevice(ctx context.Context, path string) *Device {
	dev, err := s.OpenDevice(ctx, path)
	if err != nil {
		log.Debugf("probe %s: %v", path, err)
		return nil
	}
	return dev
}

func (nativeServices) CloseDevice(ctx context.Context, dev *Device) error {
	if dev == nil || dev.rw == nil {
		return nil
	}
	if err := dev.sync(); err != nil {
		log.Warnf("syncing %s: %v", dev.Path, err)
	}
	err := dev.rw.Close()
	dev.rw = nil
	return err
}

func (nativeServices) OpenDisk(ctx context.Context, dev *Device) (Disk, error) {
	d, err := openNativeDisk(ctx, dev)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (nativeServices) OpenFilesystem(ctx context.Context, dev *Device, geom SectorRange) (Filesystem, error) {
	fs, err := openFAT(ctx, dev, geom)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func (nativeServices) FormatUnit(dev *Device, sector uint64) string {
	return formatUnit(dev, sector)
}

func (nativeServices) ParseUnit(dev *Device, text string) (uint64, SectorRange, error) {
	return parseUnit(dev, text)
}

// readSectors reads count whole sectors starting at sector.
func (d *Device) readSectors(sector, count uint64) ([]byte, error) {
	buf := make([]byte, count*uint64(d.SectorSize))
	if _, err := d.rw.ReadAt(buf, int64(sector*uint64(d.SectorSize))); err != nil {
		return nil, fmt.Errorf("read %d sectors at %d on %s: %w", count, sector, d.Path, err)
	}
	return buf, nil
}

// writeAt writes p at byte offset off. Touching sector 0 marks the device
// boot-dirty.
func (d *Device) writeAt(p []byte, off int64) error {
	if off < int64(d.SectorSize) {
		d.BootDirty = true
	}
	if _, err := d.rw.WriteAt(p, off); err != nil {
		return fmt.Errorf("write %d bytes at %d on %s: %w", len(p), off, d.Path, err)
	}
	return nil
}

func (d *Device) readAt(p []byte, off int64) error {
	if _, err := d.rw.ReadAt(p, off); err != nil {
		return fmt.Errorf("read %d bytes at %d on %s: %w", len(p), off, d.Path, err)
	}
	return nil
}

func (d *Device) sync() error {
	if f, ok := d.rw.(*os.File); ok {
		return f.Sync()
	}
	return nil
}

// partitionPath names the node of partition n on disk: "/dev/sdb" -> "/dev/sdb1",
// "/dev/nvme0n1" -> "/dev/nvme0n1p1".
func partitionPath(disk string, n int) string {
	if l := len(disk); l > 0 && disk[l-1] >= '0' && disk[l-1] <= '9' {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}
