// Package blockdev provides the block transport that sits underneath the
// buffer cache: devices that can be read and written at byte offsets, and
// transports that turn [Request] values into device I/O and report
// completion through a callback.
//
// # Devices
//
// A [Device] is a fixed-size, randomly addressable store:
//   - [MemDevice] keeps everything in memory and is used by tests
//   - [FileDevice] is a device image on disk, accessed with pread/pwrite and
//     guarded by an exclusive flock so two processes never share it
//   - [Chaos] wraps another device and injects failures, including sticky
//     bad sectors
//
// # Transports
//
// A [Transport] accepts requests and completes them exactly once by calling
// [Request.Done]. [Inline] completes every request before Submit returns.
// [Queue] runs requests on a fixed pool of workers and reports congestion so
// read-ahead can back off.
//
// # Images
//
// [Export] and [Import] move a device's content to and from a compressed
// image stream (zstd or lz4).
package blockdev
