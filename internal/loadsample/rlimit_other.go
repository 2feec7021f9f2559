//go:build !unix

package loadsample

// handleLimit reports no limit on platforms without RLIMIT_NOFILE.
func handleLimit() (int64, bool) { return 0, false }
