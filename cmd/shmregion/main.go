// Command shmregion creates shared memory regions, seals them and passes them between processes
// over a Unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/srediag/shm-region/internal/debug"
)

var logger = debug.New("shmregion", os.Stderr)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "shmregion"
	app.Usage = "Create, seal and pass shared memory regions between processes"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "warn",
			Usage:   "trace, debug, info, warn, error or none",
			EnvVars: []string{"SHMREGION_LOG_LEVEL"},
		},
	}
	app.Before = func(c *cli.Context) error {
		lv, err := debug.ParseLevel(c.String("log-level"))
		if err != nil {
			return err
		}
		debug.SetLevel(lv)
		return nil
	}
	app.Commands = append([]*cli.Command{cmdProbe}, platformCommands()...)
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
