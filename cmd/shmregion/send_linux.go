package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"

	"github.com/srediag/shm-region/pkg/shm"
	"github.com/srediag/shm-region/pkg/transport"
)

var cmdSend = &cli.Command{
	Name:      "send",
	Usage:     "Create a region holding a message and pass it to a server",
	ArgsUsage: "<message>",
	Flags: []cli.Flag{
		socketFlag(),
		&cli.Uint64Flag{
			Name:    "size",
			Usage:   "Region size in bytes, defaults to the message length",
			EnvVars: []string{"SHMREGION_SIZE"},
		},
		&cli.StringFlag{
			Name:    "mode",
			Value:   "read-only",
			Usage:   "read-only, writable or unsafe",
			EnvVars: []string{"SHMREGION_MODE"},
		},
		&cli.Uint64Flag{
			Name:    "retries",
			Value:   5,
			Usage:   "Connection attempts after the first",
			EnvVars: []string{"SHMREGION_RETRIES"},
		},
	},
	Action: runSend,
}

func runSend(c *cli.Context) error {
	msg := []byte(c.Args().First())
	mode, err := shm.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}
	size := c.Uint64("size")
	if size == 0 {
		size = uint64(len(msg))
	}
	switch {
	case size == 0:
		return errors.New("nothing to send: empty message and no --size")
	case size < uint64(len(msg)):
		return fmt.Errorf("message of %d bytes does not fit in %d", len(msg), size)
	}

	config := transport.DefaultConfig()
	config.SocketPath = c.String("socket")
	config.MaxDialRetries = c.Uint64("retries")
	config.Tracer = otel.Tracer("shmregion")
	client, err := transport.Dial(c.Context, config)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	var id shm.ID
	switch mode {
	case shm.ModeReadOnly:
		mr, err := shm.CreateMappedReadOnly(size)
		if err != nil {
			return err
		}
		copy(mr.Mapping.Bytes(), msg)
		if err := mr.Mapping.Unmap(); err != nil {
			return err
		}
		id = mr.Region.ID()
		if err := client.SendReadOnly(c.Context, mr.Region); err != nil {
			return err
		}
	case shm.ModeWritable:
		w, err := shm.CreateWritableRegion(size)
		if err != nil {
			return err
		}
		m, err := w.Map()
		if err != nil {
			_ = w.Close()
			return err
		}
		if err := write(m, msg); err != nil {
			_ = w.Close()
			return err
		}
		id = w.ID()
		if err := client.SendWritable(c.Context, w); err != nil {
			return err
		}
	case shm.ModeUnsafe:
		u, err := shm.CreateUnsafeRegion(size)
		if err != nil {
			return err
		}
		m, err := u.Map()
		if err != nil {
			_ = u.Close()
			return err
		}
		if err := write(m, msg); err != nil {
			_ = u.Close()
			return err
		}
		id = u.ID()
		if err := client.SendUnsafe(c.Context, u); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.App.Writer, "sent %s region %s of %d bytes\n", mode, id, size)
	return nil
}

// write copies msg to the start of m and unmaps it.
func write(m *shm.WritableMapping, msg []byte) error {
	if _, err := m.WriteAt(msg, 0); err != nil {
		_ = m.Unmap()
		return err
	}
	return m.Unmap()
}
