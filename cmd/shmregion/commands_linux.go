package main

import "github.com/urfave/cli/v2"

func platformCommands() []*cli.Command {
	return []*cli.Command{cmdServe, cmdSend}
}

func socketFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "socket",
		Value:   "/tmp/shm-region.sock",
		Usage:   "Unix socket path",
		EnvVars: []string{"SHMREGION_SOCKET"},
	}
}
