package main

import (
	"os"

	"github.com/CMSgov/dpc-app/dpcaggregation/cli"
	"github.com/CMSgov/dpc-app/log"
)

func main() {
	app := cli.GetApp()
	if err := app.Run(os.Args); err != nil {
		log.Worker.Fatal(err)
	}
}
