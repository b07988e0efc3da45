// Package main is the LNMT daemon entrypoint: scheduler, device tracker,
// health monitor, auth engine, and the REST API in one process.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lnmt-project/lnmt/internal/daemon"
)

func main() {
	d, err := daemon.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Serve(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
