package share

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"time"
)

// HashFile computes the content hash of the file at path along with its
// size and modification time. The hash is the low 32 bits of a SHA-256
// digest of the file body; the wire schema carries a fixed32, so the
// digest is truncated rather than weakened to a rolling checksum.
func HashFile(path string) (hash uint32, size int64, modified time.Time, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, time.Time{}, err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, 0, time.Time{}, err
	}

	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[len(sum)-4:]), info.Size(), info.ModTime(), nil
}
