package main

import (
	"fmt"
	"os"

	"github.com/ocbridge/ocbridge/cli"
)

func main() {
	err := cli.Root().Invoke().WithOS().Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
