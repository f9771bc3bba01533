// Command lotteryctl drives a lottery locally from the command line.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "lotteryctl"
	app.Usage = "run lottery rounds against an in-process deployment"
	app.Commands = []cli.Command{
		simulateCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
