package warehouse

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// RowID derives the deterministic row identity for one log line:
// hash(path, byte offset of the line, content-digest prefix). Reprocessing
// the same file content yields identical ids, which the ReplacingMergeTree
// engine collapses.
func RowID(path string, offset int64, contentDigest uint64) uint64 {
	digest := xxhash.New()
	digest.WriteString(path)
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(offset))
	// 32-bit digest prefix is enough to separate rewrites of the same path
	binary.LittleEndian.PutUint32(buf[8:12], uint32(contentDigest))
	digest.Write(buf[:])
	return digest.Sum64()
}
