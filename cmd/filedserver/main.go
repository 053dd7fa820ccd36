// Command filedserver is the CLI entry point: one positional argument,
// the path to the binary config file, no flags. Errors from startup
// surface via cli.NewExitError for a non-zero exit code.
package main

import (
	"fmt"
	"os"

	"filedserver/internal/logsetup"
	"filedserver/internal/panics"
	"filedserver/internal/server"

	"github.com/op/go-logging"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "filedserver"
	app.Usage = "serve a directory over the filedserver binary protocol"
	app.ArgsUsage = "<config-file>"
	app.Flags = []cli.Flag{}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: filedserver <config-file>", 1)
	}
	cfgPath := c.Args().Get(0)

	log := logsetup.Setup("filedserver", logging.INFO, false)

	var err error
	panics.RecoverToLog(func() {
		err = server.Run(cfgPath, log)
	}, log)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}
