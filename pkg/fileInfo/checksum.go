package fileInfo

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/rescp17/dropmesh/pkg/transfer"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

func digest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// SumReader hashes everything r yields.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return digest(h), nil
}

// SumBytes returns the hex SHA-256 of data. A file with the same content
// gets the same checksum from CalcChecksum.
func SumBytes(data []byte) string {
	h := sha256.New()
	h.Write(data)
	return digest(h)
}

func sumFile(p string) (sum string, err error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return SumReader(f)
}

// CalcChecksum fills in Checksum for n and every node below it. A directory
// digests the sorted "name=sum" lines of its children, so renaming a child
// changes the parent's checksum too.
func (n *FileNode) CalcChecksum() (string, error) {
	if !n.IsDir {
		sum, err := sumFile(n.Path)
		if err != nil {
			return "", fmt.Errorf("checksum %s: %w", n.Path, err)
		}
		n.Checksum = sum
		return sum, nil
	}

	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Name < n.Children[j].Name })
	h := sha256.New()
	for i := range n.Children {
		child := &n.Children[i]
		sum, err := child.CalcChecksum()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s=%s\n", child.Name, sum)
	}
	n.Checksum = digest(h)
	return n.Checksum, nil
}

// VerifyBlob checks a received blob against the digest its sender
// announced. Blobs without an announced digest pass.
func VerifyBlob(blob *transfer.Blob) error {
	if blob.Checksum == "" {
		return nil
	}
	if got := SumBytes(blob.Data); got != blob.Checksum {
		return fmt.Errorf("%w: %s: got %s, want %s", ErrChecksumMismatch, blob.Name, got, blob.Checksum)
	}
	return nil
}
