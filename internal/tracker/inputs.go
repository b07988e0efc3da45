package tracker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FileTraffic reads per-MAC cumulative byte counters from a snapshot file
// maintained by the firewall accounting script. Format, one device per
// line: `<mac> <bytes_in> <bytes_out>`. Comments and blank lines skipped.
type FileTraffic struct {
	Path string
}

func (f *FileTraffic) Counters(ctx context.Context, mac string) (int64, int64, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return 0, 0, fmt.Errorf("open counters: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if NormalizeMAC(fields[0]) != mac {
			continue
		}
		in, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad bytes_in for %s: %w", mac, err)
		}
		out, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad bytes_out for %s: %w", mac, err)
		}
		return in, out, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("no counters for %s", mac)
}

// ExecPinger probes devices with the system ping binary, one echo request
// with the detection window as the reply deadline.
type ExecPinger struct{}

func (ExecPinger) Ping(ctx context.Context, ip string, window time.Duration) bool {
	secs := int(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	ctx, cancel := context.WithTimeout(ctx, window+time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), ip)
	return cmd.Run() == nil
}

// FileDNSLog reads the DNS query log exported by the resolver. Format, one
// query per line: `<epoch> <client_ip> <queried_hostname>`.
type FileDNSLog struct {
	Path string
}

func (f *FileDNSLog) QueriesSince(ctx context.Context, ip string, since time.Time) ([]string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open dns log: %w", err)
	}
	defer file.Close()

	var queries []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		epoch, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || time.Unix(epoch, 0).Before(since) {
			continue
		}
		if fields[1] != ip {
			continue
		}
		queries = append(queries, fields[2])
	}
	return queries, scanner.Err()
}
