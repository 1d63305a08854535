// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package command

import "os/exec"

func setCancelFunc(c *exec.Cmd) {}
