package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	atomicfile "github.com/natefinch/atomic"

	"github.com/calvinalkan/metabuf/internal/config"
	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// DumpCmd returns the dump command.
func DumpCmd(cfg *config.Config) *Command {
	flags := newFlags("dump")
	codec := flags.String("codec", "zstd", "Compression: zstd, lz4 or none")

	return &Command{
		Flags: flags,
		Usage: "dump <image> [flags]",
		Short: "Export the device to a compressed image",
		Long: "Export the full device content to a compressed image file.\n" +
			"The image is written to a temporary file and renamed into place.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: dump needs an image path", errMissingArg)
			}

			c, err := blockdev.ParseCodec(*codec)
			if err != nil {
				return fmt.Errorf("%w: %w", errInvalidArg, err)
			}

			return execDump(o, cfg, resolvePath(cfg, args[0]), c)
		},
	}
}

func execDump(o *IO, cfg *config.Config, path string, codec blockdev.Codec) error {
	dev, err := blockdev.OpenFile(cfg.DeviceAbs, blockdev.FileOptions{SectorSize: cfg.SectorSize})
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(blockdev.Export(dev, pw, codec))
	}()

	err = atomicfile.WriteFile(path, pr)
	_ = pr.Close()

	if err != nil {
		return fmt.Errorf("dumping %s: %w", cfg.DeviceAbs, err)
	}

	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	o.Printf("dumped %s (%d bytes) to %s (%s, %d bytes)\n", cfg.DeviceAbs, dev.Size(), path, codec, st.Size())

	return nil
}

// RestoreCmd returns the restore command.
func RestoreCmd(cfg *config.Config) *Command {
	flags := newFlags("restore")

	return &Command{
		Flags: flags,
		Usage: "restore <image>",
		Short: "Import an image into the device",
		Long: "Import an image written by dump into the device. A missing device image is\n" +
			"created with the size recorded in the image; an existing one must match it.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: restore needs an image path", errMissingArg)
			}

			return execRestore(o, cfg, resolvePath(cfg, args[0]))
		},
	}
}

func execRestore(o *IO, cfg *config.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer func() { _ = f.Close() }()

	hdr, err := blockdev.ReadImageHeader(f)
	if err != nil {
		return err
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("rewinding image: %w", err)
	}

	dev, err := blockdev.OpenFile(cfg.DeviceAbs, blockdev.FileOptions{SectorSize: hdr.SectorSize, Size: hdr.Size})
	if err != nil {
		return err
	}

	_, err = blockdev.Import(f, dev)
	if err != nil {
		_ = dev.Close()

		return err
	}

	err = dev.Close()
	if err != nil {
		return err
	}

	o.Printf("restored %s (%s, %d bytes) into %s\n", path, hdr.Codec, hdr.Size, cfg.DeviceAbs)

	return nil
}

func resolvePath(cfg *config.Config, p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(cfg.EffectiveCwd, p)
}
