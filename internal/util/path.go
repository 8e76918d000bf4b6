package util

import (
	"errors"
	"io/fs"
	"os"
)

// CheckDirectory stats path. A missing path is not an error: it reports
// exists=false so callers can word their own message.
func CheckDirectory(path string) (exists, isDir bool, err error) {
	switch info, statErr := os.Stat(path); {
	case statErr == nil:
		return true, info.IsDir(), nil
	case errors.Is(statErr, fs.ErrNotExist):
		return false, false, nil
	default:
		return false, false, statErr
	}
}
