//go:build !unix

package sys

import (
	"errors"
	"os"
)

var errNotSupported = errors.New("not supported on this platform")

func winSize(*os.File) (row, col int) { return -1, -1 }

// Echo is not supported on this platform.
func Echo(int) (bool, error) { return false, errNotSupported }

// SetEcho is not supported on this platform.
func SetEcho(int, bool) error { return errNotSupported }
