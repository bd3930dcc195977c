package state

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CheapHash is the fast identity key: (size, mtime, path). It detects the
// obvious "same file, untouched" case without reading content.
func CheapHash(path string, size int64, modTime time.Time) uint64 {
	digest := xxhash.New()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(size))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(modTime.UnixNano()))
	digest.Write(buf[:])
	digest.WriteString(path)
	return digest.Sum64()
}

// ContentDigest streams the whole file through xxhash. Computed on first
// claim; a cheap-hash mismatch on later runs triggers recomputation.
func ContentDigest(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file for digest: %w", err)
	}
	defer file.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, file); err != nil {
		return 0, fmt.Errorf("failed to digest file: %w", err)
	}
	return digest.Sum64(), nil
}
