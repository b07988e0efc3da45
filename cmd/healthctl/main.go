// Package main is the healthctl entrypoint: service health inspection.
package main

import "github.com/lnmt-project/lnmt/internal/cli"

func main() {
	cli.ExecuteHealthctl()
}
