//go:build linux

/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package bdev

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func punchHole(f *os.File, offset, length uint64) error {
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length))
}

// driveStatNames lists the host's block devices from /proc/diskstats
// (field 3 is the device name).
func driveStatNames() ([]string, error) {
	f, err := os.Open("/proc/diskstats")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 3 {
			names = append(names, fields[2])
		}
	}
	return names, sc.Err()
}
