package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/metabuf/internal/config"
	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// MkdevCmd returns the mkdev command.
func MkdevCmd(cfg *config.Config) *Command {
	flags := newFlags("mkdev")
	size := flags.Int64P("size", "s", 0, "Image size in bytes (default: device_size from config)")
	force := flags.BoolP("force", "f", false, "Replace an existing image")

	return &Command{
		Flags: flags,
		Usage: "mkdev [flags]",
		Short: "Create a zeroed device image",
		Long: "Create a zeroed device image at the configured device path.\n" +
			"The image is written to a temporary file and renamed into place.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			n := *size
			if n == 0 {
				n = cfg.DeviceSize
			}

			return execMkdev(o, cfg, n, *force)
		},
	}
}

func execMkdev(o *IO, cfg *config.Config, size int64, force bool) error {
	if size <= 0 || size%int64(cfg.BlockSize) != 0 {
		return fmt.Errorf("%w: size %d must be a positive multiple of block_size %d",
			errInvalidArg, size, cfg.BlockSize)
	}

	if !force {
		_, err := os.Stat(cfg.DeviceAbs)
		if err == nil {
			return fmt.Errorf("%w: %s (use --force to replace it)", errDeviceExists, cfg.DeviceAbs)
		}
	}

	err := atomic.WriteFile(cfg.DeviceAbs, io.LimitReader(zeroReader{}, size))
	if err != nil {
		return fmt.Errorf("writing device image: %w", err)
	}

	// Opening once validates geometry and that no one else holds the image.
	dev, err := blockdev.OpenFile(cfg.DeviceAbs, blockdev.FileOptions{SectorSize: cfg.SectorSize})
	if err != nil {
		return err
	}

	err = dev.Close()
	if err != nil {
		return err
	}

	o.Printf("created %s: %d bytes, %d blocks of %d bytes\n",
		cfg.DeviceAbs, size, size/int64(cfg.BlockSize), cfg.BlockSize)

	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)

	return len(p), nil
}
