//go:build unix

package sendria

import "syscall"

// getFileLimit reports the soft limit on open file descriptors.
func getFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}
	// the conversion is a no-op everywhere but FreeBSD, where Rlimit is int64
	return uint64(rLimit.Cur), nil
}
