// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package treecmp

import "golang.org/x/sys/unix"

func ownerOf(name string) owner {
	var st unix.Stat_t
	if err := unix.Lstat(name, &st); err != nil {
		return owner{}
	}
	return owner{uid: st.Uid, gid: st.Gid, known: true}
}
