//go:build !linux

package dbmirror

import (
	"os"
	"time"
)

func atime(info os.FileInfo) time.Time {
	return info.ModTime()
}
