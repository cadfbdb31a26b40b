package qemu

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/pierrec/lz4"
	"github.com/ulikunitz/xz"
)

// Compression identifies how a memory snapshot file is compressed.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionGzip
	CompressionXZ
)

func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	case CompressionXZ:
		return "xz"
	default:
		return "none"
	}
}

var (
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
	magicGzip = []byte{0x1f, 0x8b}
	magicXZ   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	// QEMU_VM_FILE_MAGIC of an uncompressed migration stream.
	magicQEVM = []byte{'Q', 'E', 'V', 'M'}
)

// ErrBadSnapshot implements "error", for the description see Error.
type ErrBadSnapshot struct {
	Path string
	Err  error
}

func (err ErrBadSnapshot) Error() string {
	return fmt.Sprintf("memory snapshot '%s' is unusable: %v", err.Path, err.Err)
}

func (err ErrBadSnapshot) Unwrap() error {
	return err.Err
}

// DetectCompression sniffs the compression of a snapshot file by its
// magic bytes. Uncompressed snapshots must carry the QEMU migration
// stream magic; anything unrecognized is rejected before a process
// ever depends on the file.
func DetectCompression(path string) (Compression, error) {
	f, err := os.Open(path)
	if err != nil {
		return CompressionNone, ErrBadSnapshot{Path: path, Err: err}
	}
	defer f.Close()

	magic := make([]byte, 6)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return CompressionNone, ErrBadSnapshot{Path: path, Err: err}
	}
	magic = magic[:n]

	switch {
	case bytes.HasPrefix(magic, magicLZ4):
		return CompressionLZ4, nil
	case bytes.HasPrefix(magic, magicGzip):
		return CompressionGzip, nil
	case bytes.HasPrefix(magic, magicXZ):
		return CompressionXZ, nil
	case bytes.HasPrefix(magic, magicQEVM):
		return CompressionNone, nil
	default:
		return CompressionNone, ErrBadSnapshot{
			Path: path,
			Err:  fmt.Errorf("unrecognized compression magic %#x", magic),
		}
	}
}

// ValidateSnapshot sniffs the compression of the snapshot and, for
// compressed snapshots, decodes the stream head to catch corrupted or
// truncated files before a machine boot depends on them.
func ValidateSnapshot(path string) (Compression, error) {
	compression, err := DetectCompression(path)
	if err != nil {
		return compression, err
	}

	f, err := os.Open(path)
	if err != nil {
		return compression, ErrBadSnapshot{Path: path, Err: err}
	}
	defer f.Close()

	var reader io.Reader
	switch compression {
	case CompressionLZ4:
		reader = lz4.NewReader(f)
	case CompressionGzip:
		reader, err = gzip.NewReader(f)
	case CompressionXZ:
		reader, err = xz.NewReader(f)
	default:
		return compression, nil
	}
	if err != nil {
		return compression, ErrBadSnapshot{Path: path, Err: err}
	}

	if _, err := io.CopyN(io.Discard, reader, 4096); err != nil && err != io.EOF {
		return compression, ErrBadSnapshot{Path: path, Err: err}
	}
	return compression, nil
}

var decompressBinaries = map[Compression]string{
	CompressionNone: "cat",
	CompressionLZ4:  "lz4",
	CompressionGzip: "gzip",
	CompressionXZ:   "xz",
}

// IncomingCommand builds the shell command QEMU runs to feed a restored
// memory snapshot into -incoming. The decompressor binary must exist on
// the host.
func (c Compression) IncomingCommand(path string) (string, error) {
	binary, ok := decompressBinaries[c]
	if !ok {
		return "", fmt.Errorf("no decompressor known for compression '%s'", c)
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("decompressor '%s' for snapshot '%s' not found: %w", binary, path, err)
	}

	switch c {
	case CompressionNone:
		return fmt.Sprintf("exec: %s %s", resolved, path), nil
	case CompressionLZ4:
		return fmt.Sprintf("exec: %s -c -d %s", resolved, path), nil
	case CompressionGzip:
		return fmt.Sprintf("exec: %s -c -d %s", resolved, path), nil
	case CompressionXZ:
		return fmt.Sprintf("exec: %s -c -d -k %s", resolved, path), nil
	}
	return "", fmt.Errorf("no decompressor known for compression '%s'", c)
}
