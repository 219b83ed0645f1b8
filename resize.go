package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// resizeOptions holds everything the command line selected for one run.
type resizeOptions struct {
	// device is the path handed to OpenDevice; fullPath is what the user typed.
	device   string
	fullPath string
	// partition is the partition number, or -1 for none given. Zero and
	// negative numbers resize the whole device.
	partition int
	size      uint64
	info      bool
	forceYes  bool
	progress  bool
	verbose   int
	backup    string
}

type resizer struct {
	opts     resizeOptions
	services Services
	stdout   io.Writer
}

func newResizer(opts resizeOptions, services Services, stdout io.Writer) *resizer {
	return &resizer{opts: opts, services: services, stdout: stdout}
}

// resolveDevice works out which device to open from the path the user gave.
// A partition node such as /dev/sdb1 or /dev/mmcblk0p2 opens the parent disk
// and, unless -n was given, selects the partition from the trailing digits.
// Anything that is not a block device, such as an image file, is opened as is.
func (r *resizer) resolveDevice(ctx context.Context, path string) error {
	r.opts.device = ""
	r.opts.fullPath = path

	st, err := os.Stat(path)
	if err != nil {
		return failure(ErrDeviceUnavailable, err, "cannot stat %s", path)
	}
	if st.Mode()&os.ModeDevice == 0 || st.Mode()&os.ModeCharDevice != 0 {
		dev := r.services.ProbeDevice(ctx, path)
		if dev == nil {
			return failure(ErrDeviceUnavailable, nil, "cannot open %s", path)
		}
		_ = r.services.CloseDevice(ctx, dev)
		r.opts.device = path
		return nil
	}

	disk, _ := splitPartitionPath(path)
	if dev := r.services.ProbeDevice(ctx, disk); dev != nil {
		_ = r.services.CloseDevice(ctx, dev)
		if r.opts.partition < 0 {
			r.opts.partition = partitionNumber(path)
		}
		r.opts.device = disk
		return nil
	}
	dev := r.services.ProbeDevice(ctx, path)
	if dev == nil {
		return failure(ErrDeviceUnavailable, nil, "cannot open %s", path)
	}
	_ = r.services.CloseDevice(ctx, dev)
	r.opts.device = path
	return nil
}

// splitPartitionPath strips the partition suffix from a node name:
// "/dev/sdb1" -> "/dev/sdb", "/dev/nvme0n1p2" -> "/dev/nvme0n1".
func splitPartitionPath(path string) (string, string) {
	i := len(path)
	for i > 0 && path[i-1] >= '0' && path[i-1] <= '9' {
		i--
	}
	disk, digits := path[:i], path[i:]
	if n := len(disk); n > 3 && disk[n-1] == 'p' && disk[n-2] >= '0' && disk[n-2] <= '9' {
		disk = disk[:n-1]
	}
	return disk, digits
}

// partitionNumber is the trailing number of a partition node, 1 when there is
// none.
func partitionNumber(path string) int {
	_, digits := splitPartitionPath(path)
	if n, err := strconv.Atoi(digits); err == nil && n > 0 {
		return n
	}
	return 1
}

func (r *resizer) partitionMode() bool {
	return r.opts.partition > 0
}

// run performs one resize (or info query) on r.opts.device.
func (r *resizer) run(ctx context.Context) (err error) {
	log.Tracef("open device %s", r.opts.device)
	dev, err := r.services.OpenDevice(ctx, r.opts.device)
	if err != nil {
		return failure(ErrDeviceUnavailable, err, "cannot open %s", r.opts.device)
	}
	defer func() {
		if cerr := r.services.CloseDevice(ctx, dev); cerr != nil && err == nil {
			err = failure(ErrCollaboratorFailure, cerr, "closing %s", dev.Path)
		}
	}()

	var (
		disk  Disk
		part  *Partition
		table *PartitionTable
		geom  SectorRange
	)
	if r.partitionMode() {
		log.Tracef("open disk %s", dev.Path)
		disk, err = r.services.OpenDisk(ctx, dev)
		if err != nil {
			return failure(ErrCollaboratorFailure, err, "cannot read partition table of %s", dev.Path)
		}
		defer disk.Close()

		log.Tracef("get partition %d", r.opts.partition)
		part = disk.Partition(r.opts.partition)
		if part == nil || part.FSType == "" {
			return failure(ErrCollaboratorFailure, nil, "partition %d of %s has no filesystem", r.opts.partition, dev.Path)
		}
		if !strings.HasPrefix(part.FSType, "fat") {
			throwException(ctx, SeverityError, newOptionSet(OptionCancel),
				"%s is not valid FAT16/FAT32 partition.", r.opts.fullPath)
			return failure(ErrNotFatFilesystem, nil, "%s holds %s", r.opts.fullPath, part.FSType)
		}
		if disk.IsBusy(part) {
			throwException(ctx, SeverityError, newOptionSet(OptionCancel),
				"Partition %s is being used. You must unmount it before you modify it.", partitionName(dev, part))
			return failure(ErrPartitionBusy, nil, "%s is in use", partitionName(dev, part))
		}
		table = disk.Table()
		geom = part.Range
	} else {
		table = wholeDeviceTable(dev)
		geom = dev.Range()
	}

	fmt.Fprintf(r.stdout, "part(%s)\n", geom)

	if r.opts.info || r.opts.size == sizeMax {
		c, fsType, err := r.queryConstraint(ctx, dev, geom)
		if err != nil {
			return err
		}
		if r.opts.info {
			ss := uint64(dev.SectorSize)
			fmt.Fprintf(r.stdout, "FAT: %s\n", fsType)
			fmt.Fprintf(r.stdout, "Cur size: %d\n", geom.Length()*ss)
			fmt.Fprintf(r.stdout, "Min size: %d\n", c.MinSize*ss)
			fmt.Fprintf(r.stdout, "Max size: %d\n", c.MaxSize*ss)
			return nil
		}
		r.opts.size = c.MaxSize * uint64(dev.SectorSize)
	}

	start := geom.Start
	log.Tracef("start range at %d", start)
	startRange := sectorRangeAt(start, 1)

	end := start + r.opts.size/uint64(dev.SectorSize)
	if end > dev.SectorCount {
		return failure(ErrInfeasibleConstraint, nil, "new end %d lies past the last sector %d of %s", end, dev.SectorCount-1, dev.Path)
	}
	log.Tracef("end range around %d", end)
	var endRange SectorRange
	oldText, newText := r.services.FormatUnit(dev, geom.End), r.services.FormatUnit(dev, end)
	if oldText == newText {
		endRange = sectorRangeAt(geom.End, 1)
		end = geom.End
	} else {
		end, endRange, err = r.services.ParseUnit(dev, newText)
		if err != nil {
			return failure(ErrCollaboratorFailure, err, "cannot parse %s", newText)
		}
	}
	if end < start || endRange.End < start {
		return failure(ErrInfeasibleConstraint, nil, "new end %d precedes start %d", end, start)
	}
	endRange.Start = max(endRange.Start, start)

	newGeom := SectorRange{Start: start, End: end}
	oldGeom := geom
	log.Tracef("snap %s to boundaries", newGeom)
	snapToBoundaries(&newGeom, &oldGeom, table, startRange, endRange)

	log.Tracef("open filesystem at %s", geom)
	fs, err := r.services.OpenFilesystem(ctx, dev, geom)
	if err != nil {
		return failure(ErrCollaboratorFailure, err, "cannot open filesystem on %s", r.opts.fullPath)
	}
	fsOpen := true
	defer func() {
		if fsOpen {
			_ = fs.Close()
		}
	}()

	log.Trace("intersect constraints")
	fsConstraint, err := fs.ResizeConstraint(ctx)
	if err != nil {
		return failure(ErrCollaboratorFailure, err, "cannot get resize constraint")
	}
	constraint, err := intersectConstraints(fsConstraint, constraintFromRange(dev, startRange, endRange))
	if err != nil {
		return failure(ErrInfeasibleConstraint, err, "cannot resize %s to %d bytes", r.opts.fullPath, r.opts.size)
	}
	log.Debugf("constraint %s", constraint)

	if r.opts.backup != "" {
		if err := r.backupMetadata(ctx, dev, fs); err != nil {
			return err
		}
	}

	if r.partitionMode() {
		log.Tracef("set partition geometry %s", newGeom)
		if err := disk.SetPartitionGeometry(ctx, part, constraint, newGeom); err != nil {
			return failure(ErrCollaboratorFailure, err, "cannot move partition %d", part.Number)
		}
		newGeom = part.Range
	} else {
		newGeom, err = constraint.solve(newGeom)
		if err != nil {
			return failure(ErrInfeasibleConstraint, err, "cannot resize %s", r.opts.fullPath)
		}
	}

	var sink ProgressSink
	if r.opts.progress {
		sink = newProgressEstimator(r.opts.verbose, r.stdout).sink()
	}
	log.Info("Resizing file system.")
	if err := fs.Resize(ctx, newGeom, sink); err != nil {
		return failure(ErrCollaboratorFailure, err, "resizing filesystem to %s", newGeom)
	}
	log.Info("Done.")

	if r.partitionMode() {
		disk.SetPartitionFSType(part, fs.Type())
	}
	fsOpen = false
	if err := fs.Close(); err != nil {
		return failure(ErrCollaboratorFailure, err, "closing filesystem")
	}

	if r.partitionMode() {
		log.Info("Committing changes.")
		if err := disk.Commit(ctx); err != nil {
			return failure(ErrCollaboratorFailure, err, "cannot write partition table of %s", dev.Path)
		}
	}

	if dev.BootDirty && dev.Type != DeviceTypeFile {
		throwException(ctx, SeverityWarning, newOptionSet(OptionOK),
			"You should reinstall your boot loader. Read section 4 of the Parted User documentation for more information.")
	}
	return nil
}

// queryConstraint opens the filesystem at geom just long enough to read its
// type and resize constraint.
func (r *resizer) queryConstraint(ctx context.Context, dev *Device, geom SectorRange) (*Constraint, string, error) {
	log.Tracef("open filesystem at %s", geom)
	fs, err := r.services.OpenFilesystem(ctx, dev, geom)
	if err != nil {
		return nil, "", failure(ErrCollaboratorFailure, err, "cannot open filesystem on %s", r.opts.fullPath)
	}
	defer fs.Close()

	log.Trace("get resize constraint")
	c, err := fs.ResizeConstraint(ctx)
	if err != nil {
		return nil, "", failure(ErrCollaboratorFailure, err, "cannot get resize constraint")
	}
	return c, fs.Type(), nil
}

func partitionName(dev *Device, part *Partition) string {
	if part.Path != "" {
		return part.Path
	}
	return partitionPath(dev.Path, part.Number)
}
