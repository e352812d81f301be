// internal/chunk/chunk.go
// Package chunk splits byte blobs into fixed-size, individually-hashed
// chunks and reassembles them with integrity verification. It backs the
// chunked variant of the sync protocol.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
)

// DefaultSize is the production chunk size.
const DefaultSize = 256 * 1024

// Chunk is one indexed piece of a split blob.
type Chunk struct {
	Index int    // Zero-based position in the blob
	Data  []byte // Chunk bytes
	Hash  string // SHA-256 of Data, hex-encoded
}

// Sum returns the hex-encoded SHA-256 of a blob.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Count returns the number of chunks a blob of totalSize splits into at the
// given chunk size, by ceiling division.
func Count(totalSize int64, chunkSize int) int {
	if totalSize <= 0 {
		return 0
	}
	return int((totalSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// Split cuts blob into chunks of size chunkSize, hashing each chunk. The
// result is deterministic for a given chunk size. An empty blob yields zero
// chunks.
func Split(blob []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, errors.New(errors.STORAGE_CONFIG, fmt.Sprintf("chunk size must be positive, got %d", chunkSize))
	}

	chunks := make([]Chunk, 0, Count(int64(len(blob)), chunkSize))
	for i := 0; i < len(blob); i += chunkSize {
		end := i + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		data := make([]byte, end-i)
		copy(data, blob[i:end])
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Data:  data,
			Hash:  Sum(data),
		})
	}
	return chunks, nil
}

// Verify checks a chunk's bytes against its declared hash.
func Verify(c Chunk) bool {
	return Sum(c.Data) == c.Hash
}

// Join reassembles chunks indexed 0..expectedCount-1 into a blob and checks
// the whole-blob checksum against expectedSum. Chunks may be supplied in
// any order. A missing or duplicate index, a count mismatch, or a checksum
// mismatch invalidates the whole blob; there is no partial acceptance.
// Zero chunks with expectedCount 0 yields an empty blob whose checksum must
// still match.
func Join(chunks []Chunk, expectedCount int, expectedSum string) ([]byte, error) {
	if len(chunks) != expectedCount {
		return nil, errors.New(errors.STORAGE_INTEGRITY,
			fmt.Sprintf("chunk count %d does not match expected %d", len(chunks), expectedCount))
	}

	ordered := make([][]byte, expectedCount)
	for _, c := range chunks {
		if c.Index < 0 || c.Index >= expectedCount {
			return nil, errors.New(errors.STORAGE_INTEGRITY,
				fmt.Sprintf("chunk index %d out of range [0,%d)", c.Index, expectedCount))
		}
		if ordered[c.Index] != nil {
			return nil, errors.New(errors.STORAGE_INTEGRITY,
				fmt.Sprintf("duplicate chunk index %d", c.Index))
		}
		if !Verify(c) {
			return nil, errors.New(errors.STORAGE_INTEGRITY,
				fmt.Sprintf("chunk %d hash mismatch", c.Index))
		}
		ordered[c.Index] = c.Data
	}

	var buf bytes.Buffer
	for _, data := range ordered {
		buf.Write(data)
	}

	blob := buf.Bytes()
	if blob == nil {
		blob = []byte{}
	}
	if actual := Sum(blob); actual != expectedSum {
		return nil, errors.New(errors.STORAGE_INTEGRITY,
			fmt.Sprintf("blob checksum %s does not match expected %s", actual, expectedSum))
	}
	return blob, nil
}
