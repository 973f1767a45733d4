package encryption

import (
	"encoding/hex"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

/*Hash - hash the given data and return the hash as hex string */
func Hash(data []byte) string {
	h := sha256.New()
	h.Write(data) //nolint:errcheck // hash.Hash never errors
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader hashes everything readable from r and returns the hex digest
// together with the number of bytes consumed.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
