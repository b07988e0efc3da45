//go:build !linux

package health

import (
	"os"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// checkDisk falls back to a mere existence check on non-Linux platforms.
// Usage-percentage detection requires platform-specific syscalls
// (GetDiskFreeSpaceEx on Windows, statfs on Darwin) not yet wired here.
func checkDisk(target string) (domain.SampleStatus, string) {
	path, _ := splitDiskTarget(target)
	if _, err := os.Stat(path); err != nil {
		return domain.SampleFail, err.Error()
	}
	return domain.SampleOK, "usage check unavailable on this platform"
}
