// Package integrity verifies model artifacts against BLAKE3 checksums.
package integrity

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrChecksumMismatch reports an artifact whose digest differs from the
// expected one.
var ErrChecksumMismatch = errors.New("integrity: checksum mismatch")

// BLAKE3Hasher produces plain or keyed BLAKE3 digests.
type BLAKE3Hasher struct {
	key []byte
}

// NewBLAKE3Hasher returns an unkeyed hasher.
func NewBLAKE3Hasher() *BLAKE3Hasher {
	return &BLAKE3Hasher{}
}

// NewKeyedBLAKE3Hasher returns a hasher whose digests can only be
// reproduced by holders of key.
func NewKeyedBLAKE3Hasher(key [32]byte) *BLAKE3Hasher {
	return &BLAKE3Hasher{key: key[:]}
}

// ParseKeyedHasher builds a keyed hasher from a 64-digit hex key.
func ParseKeyedHasher(hexKey string) (*BLAKE3Hasher, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(raw) != 32 {
		return nil, errors.New("integrity: checksum key must be 32 bytes of hex")
	}
	var key [32]byte
	copy(key[:], raw)
	return NewKeyedBLAKE3Hasher(key), nil
}

func (h *BLAKE3Hasher) digest() *blake3.Hasher {
	if h.key == nil {
		return blake3.New()
	}
	// NewKeyed only fails on a key that is not 32 bytes.
	d, _ := blake3.NewKeyed(h.key)
	return d
}

// Hash returns the 32-byte digest of data.
func (h *BLAKE3Hasher) Hash(data []byte) []byte {
	d := h.digest()
	d.Write(data)
	return d.Sum(nil)
}

// HashHex returns Hash as lowercase hex.
func (h *BLAKE3Hasher) HashHex(data []byte) string {
	return hex.EncodeToString(h.Hash(data))
}

// HashFile streams path through the hasher.
func (h *BLAKE3Hasher) HashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("integrity: %w", err)
	}
	defer f.Close()

	d := h.digest()
	if _, err := io.Copy(d, f); err != nil {
		return nil, fmt.Errorf("integrity: read %s: %w", path, err)
	}
	return d.Sum(nil), nil
}

// HashFileHex returns HashFile as lowercase hex.
func (h *BLAKE3Hasher) HashFileHex(path string) (string, error) {
	sum, err := h.HashFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// VerifyFile hashes path and compares it with the hex digest want. An empty
// want disables the check.
func (h *BLAKE3Hasher) VerifyFile(path, want string) error {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return nil
	}
	expected, err := hex.DecodeString(want)
	if err != nil {
		return fmt.Errorf("integrity: bad checksum %q: %w", want, err)
	}

	got, err := h.HashFile(path)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, expected) != 1 {
		return fmt.Errorf("%w: %s has %s, want %s", ErrChecksumMismatch, path, hex.EncodeToString(got), want)
	}
	return nil
}
