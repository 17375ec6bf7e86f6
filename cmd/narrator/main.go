package main

import (
	"os"

	"github.com/loqalabs/loqa-narrator/cmd/narrator/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
