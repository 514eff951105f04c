package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/calvinalkan/metabuf/internal/config"
	"github.com/calvinalkan/metabuf/pkg/bufcache"
	"github.com/calvinalkan/metabuf/pkg/verify"
)

// ReadCmd returns the read command.
func ReadCmd(cfg *config.Config) *Command {
	flags := newFlags("read")
	length := flags.IntP("len", "n", 1, "Length in blocks")
	magic := flags.StringP("magic", "m", "", "Verify a checksummed block with this magic (hex)")
	uncached := flags.Bool("uncached", false, "Bypass the cache index")

	return &Command{
		Flags: flags,
		Usage: "read <block> [flags]",
		Short: "Read blocks through the cache and hex dump them",
		Long: "Read blocks through the cache and hex dump them.\n" +
			"With --magic the block is verified against its BLAKE3 trailer and only the\n" +
			"payload is dumped.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: read needs exactly one block address", errMissingArg)
			}

			addr, err := parseBlock(args[0])
			if err != nil {
				return err
			}

			v, err := parseVerifier(*magic)
			if err != nil {
				return err
			}

			return execRead(ctx, o, cfg, addr, *length, v, *uncached)
		},
	}
}

func execRead(ctx context.Context, o *IO, cfg *config.Config, addr int64, length int, v *verify.Checksum, uncached bool) (err error) {
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

	read := s.tgt.Read
	if uncached {
		read = s.tgt.ReadUncached
	}

	var bv bufcache.Verifier
	if v != nil {
		bv = v
	}

	b, err := read(addr, length, 0, bv)
	if err != nil {
		return err
	}
	defer b.Relse()

	o.Printf("block %d+%d (%d bytes) flags=%s\n", b.Addr(), b.Len(), b.Size(), b.Flags())

	content := b.Bytes()
	if v != nil {
		content = verify.Payload(b)
	}

	o.Printf("%s", hex.Dump(content))

	return nil
}

// parseVerifier returns nil for an empty magic.
func parseVerifier(magic string) (*verify.Checksum, error) {
	if magic == "" {
		return nil, nil
	}

	m, err := strconv.ParseUint(magic, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: magic %q is not a 32 bit hex value", errInvalidArg, magic)
	}

	return verify.NewChecksum(uint32(m)), nil
}
