package main

import (
	"os"

	"github.com/isdmx/databox/runner"
)

func main() {
	os.Exit(runner.Main())
}
