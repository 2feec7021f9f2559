//go:build unix

package loadsample

import (
	"math"

	"golang.org/x/sys/unix"
)

// handleLimit returns the soft RLIMIT_NOFILE.
func handleLimit() (int64, bool) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, false
	}
	if rl.Cur == unix.RLIM_INFINITY || rl.Cur > math.MaxInt64 {
		return 0, false
	}
	return int64(rl.Cur), true
}
