//go:build linux

package health

import (
	"fmt"
	"syscall"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// checkDisk reports the usage percentage of the filesystem containing path
// against a "path:max_pct" target (max_pct defaults to 90 if omitted).
func checkDisk(target string) (domain.SampleStatus, string) {
	path, maxPct := splitDiskTarget(target)

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return domain.SampleFail, fmt.Sprintf("statfs %s: %v", path, err)
	}
	if stat.Blocks == 0 {
		return domain.SampleFail, fmt.Sprintf("statfs %s: zero block count", path)
	}

	used := stat.Blocks - stat.Bfree
	usedPct := float64(used) / float64(stat.Blocks) * 100.0
	detail := fmt.Sprintf("%.1f%% used (max %d%%)", usedPct, maxPct)

	if usedPct >= float64(maxPct) {
		return domain.SampleFail, detail
	}
	return domain.SampleOK, detail
}
