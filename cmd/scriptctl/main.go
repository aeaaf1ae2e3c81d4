package main

import (
	"fmt"
	"os"

	"github.com/rvscript/scripthost/internal/cliapp"
)

func main() {
	if err := cliapp.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
