package main

import (
	"os"

	"github.com/mooringlabs/mooring/cmd/moorctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
