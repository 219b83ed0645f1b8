//go:build !linux

package main

import (
	"fmt"
	"os"
	"runtime"
)

func blockDeviceGeometry(file *os.File) (uint32, uint64, error) {
	return 0, 0, fmt.Errorf("block devices are not supported on %s, use a disk image", runtime.GOOS)
}

func rereadPartitionTable(file *os.File) error {
	return nil
}

func findMountPointForDevice(devPath string) (string, error) {
	return "", fmt.Errorf("no mount found for device %s", devPath)
}
