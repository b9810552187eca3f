//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly || solaris || aix

package filesystem

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// ownership returns the link count and numeric owner of path without following links.
func ownership(path string, info fs.FileInfo) (nlink uint64, uid, gid uint32) {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return defaultLinks(info), 0, 0
	}
	return uint64(stat.Nlink), stat.Uid, stat.Gid
}
