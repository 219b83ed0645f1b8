//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// blockDeviceGeometry asks the kernel for the logical sector size and the
// number of sectors of a block device.
func blockDeviceGeometry(file *os.File) (uint32, uint64, error) {
	sectorSize := getSectorSize(file)

	var size uint64
	_, _, e := unix.Syscall(unix.SYS_IOCTL, file.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if e != 0 {
		return 0, 0, fmt.Errorf("ioctl BLKGETSIZE64 failed: %v", e)
	}
	return uint32(sectorSize), size / uint64(sectorSize), nil
}

func getSectorSize(file *os.File) int {
	sectorSize, err := unix.IoctlGetInt(int(file.Fd()), unix.BLKSSZGET)
	if err == nil && sectorSize > 0 {
		return sectorSize
	}

	// fall back to sysfs
	devName := filepath.Base(file.Name())
	data, err := os.ReadFile("/sys/class/block/" + devName + "/queue/logical_block_size")
	if err == nil {
		if sz, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && sz > 0 {
			return sz
		}
	}

	return defaultSectorSize
}

// rereadPartitionTable asks the kernel to pick up a rewritten partition table.
func rereadPartitionTable(file *os.File) error {
	_, _, e := unix.Syscall(unix.SYS_IOCTL, file.Fd(), unix.BLKRRPART, 0)
	if e != 0 {
		return fmt.Errorf("ioctl BLKRRPART failed: %v", e)
	}
	return nil
}

// findMountPointForDevice returns where devPath, or the node it links to, is
// mounted.
func findMountPointForDevice(devPath string) (string, error) {
	mounts, err := mountinfo.GetMounts(sourceFilter(devPath))
	if err != nil {
		return "", err
	}
	if len(mounts) == 0 {
		return "", fmt.Errorf("no mount found for device %s", devPath)
	}
	return mounts[0].Mountpoint, nil
}

// sourceFilter keeps the first mount whose source is devPath or the device
// devPath resolves to.
func sourceFilter(devPath string) mountinfo.FilterFunc {
	want := devPath
	if resolved, err := filepath.EvalSymlinks(devPath); err == nil {
		want = resolved
	}
	return func(m *mountinfo.Info) (bool, bool) {
		if m.Source == devPath || m.Source == want {
			return false, true
		}
		return true, false
	}
}
