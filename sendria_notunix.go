//go:build !unix

package sendria

import "errors"

// getFileLimit reports the soft limit on open file descriptors.
// No portable way to ask for it here, so guess high.
func getFileLimit() (uint64, error) {
	return 1000000, errors.New("syscall.RLIMIT_NOFILE not supported on your OS/platform")
}
