package main

import (
	"os"

	"github.com/abhi-arya1/autoscaled/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
