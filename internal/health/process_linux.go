//go:build linux

package health

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// checkProcess reports whether a process named target is running, by
// scanning /proc/<pid>/comm. comm is truncated to 15 bytes by the kernel,
// so the match also falls back to a prefix comparison.
func checkProcess(target string) (domain.SampleStatus, string) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return domain.SampleFail, fmt.Sprintf("read /proc: %v", err)
	}
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(comm))
		if name == target || strings.HasPrefix(target, name) {
			return domain.SampleOK, ""
		}
	}
	return domain.SampleFail, fmt.Sprintf("no running process named %q", target)
}
