package core

import (
	"golang.org/x/sys/unix"
)

// statFile resolves the (device, inode, size, mtime_ns) quadruple an
// applied Create/Modify event needs, since collab.EventRecord (spec
// §6) deliberately carries only kind/path/from_path/timestamp and
// leaves stat-ing the path to the core.
func statFile(path string) (dev, ino, size uint64, mtimeNs int64, err error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, 0, 0, 0, err
	}
	return uint64(st.Dev), st.Ino, uint64(st.Size), st.Mtim.Nano(), nil
}
