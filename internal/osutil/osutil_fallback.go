// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package osutil

import (
	"fmt"
	"os"
)

// openNoFollow opens the named file for reading,
// failing if the file is a symbolic link.
// The check is not atomic on these platforms.
func openNoFollow(name string) (*os.File, error) {
	info, err := os.Lstat(name)
	if err != nil {
		return nil, err
	}
	if info.Mode().Type() == os.ModeSymlink {
		return nil, &os.PathError{Op: "open", Path: name, Err: fmt.Errorf("is a symbolic link")}
	}
	return os.Open(name)
}
