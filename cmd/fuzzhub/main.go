package main

import (
	"fuzzhub/cmd/fuzzhub/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
