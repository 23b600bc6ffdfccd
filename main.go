package main

import (
	"fmt"
	"os"

	"github.com/thiagokokada/gitbrowse/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gitbrowse: %v\n", err)
		os.Exit(1)
	}
}
