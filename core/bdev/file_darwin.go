//go:build darwin

/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package bdev

import (
	"errors"
	"os"

	"github.com/lufia/iostat"
)

// darwin has no fallocate; unmap degrades to not-supported and the error
// is returned to the caller.
func punchHole(*os.File, uint64, uint64) error {
	return errors.New("hole punching not supported on this platform")
}

func driveStatNames() ([]string, error) {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(drives))
	for _, d := range drives {
		names = append(names, d.Name)
	}
	return names, nil
}
