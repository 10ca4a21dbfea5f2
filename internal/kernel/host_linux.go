package kernel

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// statTimes returns the access and birth times of path. A time the
// filesystem does not record is zero.
func statTimes(path string, _ os.FileInfo) (atime, btime time.Time) {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW,
		unix.STATX_ATIME|unix.STATX_BTIME, &stx)
	if err != nil {
		return time.Time{}, time.Time{}
	}
	if stx.Mask&unix.STATX_ATIME != 0 {
		atime = time.Unix(stx.Atime.Sec, int64(stx.Atime.Nsec))
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		btime = time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return atime, btime
}
