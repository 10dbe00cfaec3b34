//go:build !unix

package utils

import "errors"

var ErrFreeSpaceUnsupported = errors.New("free space lookup is not supported on this platform")

func FreeSpace(path string) (uint64, error) {
	return 0, ErrFreeSpaceUnsupported
}
