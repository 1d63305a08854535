// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package osutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// openNoFollow opens the named file for reading,
// failing if the final path component is a symbolic link.
func openNoFollow(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
}
