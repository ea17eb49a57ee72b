// Package main provides the pypi-mirror command.
package main

import (
	"log"
	"os"

	"github.com/clean-dependency-project/pypi-mirror/internal/cli"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
