package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// Target categories.
const (
	CategoryFile = "file"
	CategoryURL  = "url"
)

// Target is the submitted object an analysis works on. For file targets
// the identity hashes are filled in once the sample has been stored.
type Target struct {
	Category  string   `json:"category"`
	Filename  string   `json:"filename,omitempty"`
	URL       string   `json:"url,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
	Size      int64    `json:"size,omitempty"`
	SHA256    string   `json:"sha256,omitempty"`
	Blake3    string   `json:"blake3,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
}

// HasIdentity reports whether the identity hashes were computed already.
func (t *Target) HasIdentity() bool {
	return t.SHA256 != "" && t.Blake3 != ""
}

// ErrTargetIdentity implements "error", for the description see Error.
type ErrTargetIdentity struct {
	Err  error
	Path string
}

func (err ErrTargetIdentity) Error() string {
	return fmt.Sprintf("unable to compute the identity of sample file '%s': %v", err.Path, err.Err)
}

func (err ErrTargetIdentity) Unwrap() error {
	return err.Err
}

// FileIdentity computes the identity hashes of the sample file at path
// and stores them on the target. Two different hash functions are used,
// so a collision in one of them does not let two samples share an
// identity.
func (t *Target) FileIdentity(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return ErrTargetIdentity{Err: err, Path: path}
	}
	defer f.Close()

	sha := sha256.New()
	b3 := blake3.New(32, nil)
	size, err := io.Copy(io.MultiWriter(sha, b3), f)
	if err != nil {
		return ErrTargetIdentity{Err: err, Path: path}
	}

	t.Size = size
	t.SHA256 = hex.EncodeToString(sha.Sum(nil))
	t.Blake3 = hex.EncodeToString(b3.Sum(nil))
	return nil
}
