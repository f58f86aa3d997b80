package main

import (
	"os"

	"github.com/juliankiedaisch/deskgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
