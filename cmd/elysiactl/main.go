package main

import (
	"os"

	"github.com/AeyeOps/elysiactl-sub001/cli"
)

func main() {
	os.Exit(cli.Execute())
}
