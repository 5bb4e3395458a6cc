package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "tributum",
		Usage: "Tributum is an x402 micropayment gateway for model inference",
		Commands: []*cli.Command{
			serveCommand(),
			invokeCommand(),
			checkinCommand(),
			ledgerCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
