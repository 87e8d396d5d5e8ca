package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/srediag/shm-region/pkg/health"
	"github.com/srediag/shm-region/pkg/shm"
)

var cmdProbe = &cli.Command{
	Name:  "probe",
	Usage: "Check that regions can be created, sealed and read back on this host",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:    "size",
			Value:   4096,
			Usage:   "Probe region size in bytes",
			EnvVars: []string{"SHMREGION_SIZE"},
		},
		&cli.BoolFlag{
			Name:  "dump",
			Usage: "Print shared memory and process memory usage while the probe region is mapped",
		},
	},
	Action: runProbe,
}

func runProbe(c *cli.Context) error {
	size := c.Uint64("size")
	if err := health.RegionCheck(size)(); err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "ok: %d byte region created, sealed and read back\n", size)
	if !c.Bool("dump") {
		return nil
	}

	mr, err := shm.CreateMappedReadOnly(size)
	if err != nil {
		return err
	}
	defer mr.Region.Close()  //nolint:errcheck
	defer mr.Mapping.Unmap() //nolint:errcheck

	d, err := shm.DefaultTracker().Dump()
	if err != nil {
		logger.Warnf("memory dump incomplete: %v", err)
	}
	fmt.Fprint(c.App.Writer, d.String())
	return nil
}
