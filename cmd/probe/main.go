package main

import (
	"os"

	"github.com/probe-dbg/probe/cmd/probe/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
