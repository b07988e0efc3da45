// Package main is the authctl entrypoint: operator account and session
// management.
package main

import "github.com/lnmt-project/lnmt/internal/cli"

func main() {
	cli.ExecuteAuthctl()
}
