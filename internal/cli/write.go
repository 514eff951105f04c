package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/calvinalkan/metabuf/internal/config"
	"github.com/calvinalkan/metabuf/pkg/bufcache"
	"github.com/calvinalkan/metabuf/pkg/verify"
)

// WriteCmd returns the write command.
func WriteCmd(cfg *config.Config) *Command {
	flags := newFlags("write")
	length := flags.IntP("len", "n", 1, "Length in blocks")
	magic := flags.StringP("magic", "m", "", "Write a checksummed block with this magic (hex)")
	data := flags.String("data", "", "Content to write; - reads stdin")
	delwri := flags.Bool("delwri", false, "Queue the buffer and write it with a delayed-write flush")

	return &Command{
		Flags: flags,
		Usage: "write <block> [flags]",
		Short: "Write blocks through the cache",
		Long: "Write content to blocks through the cache. The rest of the range is zeroed.\n" +
			"With --magic the content becomes the payload of a checksummed block.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: write needs exactly one block address", errMissingArg)
			}

			addr, err := parseBlock(args[0])
			if err != nil {
				return err
			}

			v, err := parseVerifier(*magic)
			if err != nil {
				return err
			}

			payload := []byte(*data)
			if *data == "-" {
				payload, err = io.ReadAll(o.In())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
			}

			return execWrite(ctx, o, cfg, writeRequest{
				addr: addr, length: *length, payload: payload, verifier: v, delwri: *delwri,
			})
		},
	}
}

type writeRequest struct {
	addr     int64
	length   int
	payload  []byte
	verifier *verify.Checksum
	delwri   bool
}

func execWrite(ctx context.Context, o *IO, cfg *config.Config, req writeRequest) (err error) {
	s, err := openSession(cfg, o.errOut, sessionOptions{})
	if err != nil {
		return err
	}

	defer func() {
		closeErr := s.close(ctx)
		if err == nil {
			err = closeErr
		}
	}()

	b, err := s.tgt.Get(req.addr, req.length, 0)
	if err != nil {
		return err
	}

	err = fillBuffer(b, req.payload, req.verifier)
	if err != nil {
		b.Relse()

		return err
	}

	mode := "sync"

	if req.delwri {
		mode = "delwri"
		err = writeDelayed(b)
	} else {
		err = b.Write()
		b.Relse()
	}

	if err != nil {
		return err
	}

	o.Printf("wrote block %d+%d (%d bytes, %s)\n", req.addr, req.length, len(req.payload), mode)

	return nil
}

// fillBuffer zeroes b and copies payload in, formatted as a checksummed
// block when v is set. b must be locked.
func fillBuffer(b *bufcache.Buffer, payload []byte, v *verify.Checksum) error {
	if v != nil {
		err := verify.Format(b, v.Magic, payload)
		if err != nil {
			return err
		}

		b.SetVerifier(v)

		return nil
	}

	b.Zero(0, b.Size())
	b.CopyIn(0, payload[:min(len(payload), b.Size())])

	return nil
}

// writeDelayed queues the locked buffer b, drops the caller's lock and
// reference and flushes the queue.
func writeDelayed(b *bufcache.Buffer) error {
	var q bufcache.DelwriQueue

	q.Queue(b)
	b.Relse()

	return q.Submit()
}
