package blockdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrBadImage is returned by [Import] for streams that are not device
// images or do not fit the target device.
var ErrBadImage = errors.New("blockdev: bad image")

// Codec identifies the compression applied to an image stream.
type Codec uint8

const (
	// CodecNone stores the device content as is.
	CodecNone Codec = 0
	// CodecLZ4 favours speed; good for images that are mostly zero.
	CodecLZ4 Codec = 1
	// CodecZstd favours ratio.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses the name returned by [Codec.String].
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec %q (want none, lz4 or zstd)", name)
	}
}

// image header: magic, version, codec, reserved, sector size, device size.
const (
	imageMagic      = "MBIM"
	imageVersion    = 1
	imageHeaderSize = 4 + 1 + 1 + 2 + 4 + 8
	imageChunk      = 1 << 20
)

// ImageHeader describes an image stream.
type ImageHeader struct {
	Codec      Codec
	SectorSize int
	Size       int64
}

// Export writes the full content of dev to w as an image compressed with
// codec.
func Export(dev Device, w io.Writer, codec Codec) error {
	var hdr [imageHeaderSize]byte
	copy(hdr[0:4], imageMagic)
	hdr[4] = imageVersion
	hdr[5] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(dev.SectorSize()))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(dev.Size()))

	_, err := w.Write(hdr[:])
	if err != nil {
		return fmt.Errorf("writing image header: %w", err)
	}

	cw, err := compressor(w, codec)
	if err != nil {
		return err
	}

	_, err = io.Copy(cw, io.NewSectionReader(dev, 0, dev.Size()))
	if err != nil {
		_ = cw.Close()

		return fmt.Errorf("exporting device: %w", err)
	}

	err = cw.Close()
	if err != nil {
		return fmt.Errorf("finishing %s stream: %w", codec, err)
	}

	return nil
}

// ReadImageHeader reads and validates the header at the start of r.
func ReadImageHeader(r io.Reader) (ImageHeader, error) {
	var hdr [imageHeaderSize]byte

	_, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return ImageHeader{}, fmt.Errorf("%w: reading header: %w", ErrBadImage, err)
	}

	if string(hdr[0:4]) != imageMagic {
		return ImageHeader{}, fmt.Errorf("%w: bad magic %q", ErrBadImage, hdr[0:4])
	}

	if hdr[4] != imageVersion {
		return ImageHeader{}, fmt.Errorf("%w: unsupported version %d", ErrBadImage, hdr[4])
	}

	h := ImageHeader{
		Codec:      Codec(hdr[5]),
		SectorSize: int(binary.LittleEndian.Uint32(hdr[8:12])),
		Size:       int64(binary.LittleEndian.Uint64(hdr[12:20])),
	}

	if h.Codec > CodecZstd {
		return ImageHeader{}, fmt.Errorf("%w: unknown %s", ErrBadImage, h.Codec)
	}

	return h, nil
}

// Import reads an image produced by [Export] into dev. The image must have
// the same size as dev.
func Import(r io.Reader, dev Device) (ImageHeader, error) {
	h, err := ReadImageHeader(r)
	if err != nil {
		return h, err
	}

	if h.Size != dev.Size() {
		return h, fmt.Errorf("%w: image is %d bytes, device is %d", ErrBadImage, h.Size, dev.Size())
	}

	cr, closeFn, err := decompressor(r, h.Codec)
	if err != nil {
		return h, err
	}
	defer closeFn()

	buf := make([]byte, imageChunk)

	var off int64

	for off < h.Size {
		n := int(min(int64(len(buf)), h.Size-off))

		_, err = io.ReadFull(cr, buf[:n])
		if err != nil {
			return h, fmt.Errorf("%w: reading content at %d: %w", ErrBadImage, off, err)
		}

		_, err = dev.WriteAt(buf[:n], off)
		if err != nil {
			return h, fmt.Errorf("importing at %d: %w", off, err)
		}

		off += int64(n)
	}

	return h, dev.Sync()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecNone:
		return nopWriteCloser{w}, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}

		return zw, nil
	default:
		return nil, fmt.Errorf("export: unknown %s", codec)
	}
}

func decompressor(r io.Reader, codec Codec) (io.Reader, func(), error) {
	switch codec {
	case CodecNone:
		return r, func() {}, nil
	case CodecLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd reader: %w", ErrBadImage, err)
		}

		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown %s", ErrBadImage, codec)
	}
}
