// Package main is the schedctl entrypoint: job scheduler control.
package main

import "github.com/lnmt-project/lnmt/internal/cli"

func main() {
	cli.ExecuteSchedctl()
}
