//go:build !linux

package health

import (
	"fmt"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// checkProcess is unimplemented on non-Linux platforms — there is no
// portable stdlib way to enumerate processes by name.
func checkProcess(target string) (domain.SampleStatus, string) {
	return domain.SampleWarn, fmt.Sprintf("process probe unsupported on this platform: %q", target)
}
