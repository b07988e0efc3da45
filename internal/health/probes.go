package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// CustomCheck is a user-supplied check for domain.ProbeCustom probes,
// registered by Target key via Checker.RegisterCustom.
type CustomCheck func(ctx context.Context) (status domain.SampleStatus, detail string)

const (
	portDialTimeout = 2 * time.Second
	httpGetTimeout  = 5 * time.Second
)

// runProbe dispatches on probe.Kind and returns one sample outcome. It never
// mutates state beyond what the kind inherently requires — a port probe
// opens and closes a TCP connection, an http probe issues one GET.
func (c *Checker) runProbe(ctx context.Context, p domain.HealthProbe) (domain.SampleStatus, string) {
	switch p.Kind {
	case domain.ProbeProcess:
		return checkProcess(p.Target)
	case domain.ProbePort:
		return checkPort(ctx, p.Target)
	case domain.ProbeHTTP:
		return c.checkHTTP(ctx, p.Target)
	case domain.ProbeDisk:
		return checkDisk(p.Target)
	case domain.ProbeCustom:
		return c.checkCustom(ctx, p.Target)
	default:
		return domain.SampleFail, fmt.Sprintf("unknown probe kind %q", p.Kind)
	}
}

func checkPort(ctx context.Context, hostPort string) (domain.SampleStatus, string) {
	d := net.Dialer{Timeout: portDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return domain.SampleFail, err.Error()
	}
	_ = conn.Close()
	return domain.SampleOK, ""
}

func (c *Checker) checkHTTP(ctx context.Context, url string) (domain.SampleStatus, string) {
	reqCtx, cancel := context.WithTimeout(ctx, httpGetTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return domain.SampleFail, err.Error()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.SampleFail, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.SampleFail, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return domain.SampleOK, ""
}

// splitDiskTarget parses a "path:max_pct" disk probe target, defaulting
// max_pct to 90 when omitted. Shared by the platform-specific disk checks.
func splitDiskTarget(target string) (path string, maxPct int) {
	maxPct = 90
	path = target
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		if n, err := strconv.Atoi(target[idx+1:]); err == nil {
			path = target[:idx]
			maxPct = n
		}
	}
	return path, maxPct
}

func (c *Checker) checkCustom(ctx context.Context, target string) (domain.SampleStatus, string) {
	c.mu.RLock()
	fn, ok := c.custom[target]
	c.mu.RUnlock()
	if !ok {
		return domain.SampleFail, fmt.Sprintf("no custom check registered for %q", target)
	}
	return fn(ctx)
}
