package main

import (
	"os"

	"github.com/Fuabioo/recmerge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
