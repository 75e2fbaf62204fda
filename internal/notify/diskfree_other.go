//go:build !(linux || darwin || freebsd)

package notify

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space inspection not supported on this platform")
}
