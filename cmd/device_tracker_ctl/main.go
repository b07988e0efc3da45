// Package main is the device_tracker_ctl entrypoint: device and session
// inspection.
package main

import "github.com/lnmt-project/lnmt/internal/cli"

func main() {
	cli.ExecuteTrackerCtl()
}
