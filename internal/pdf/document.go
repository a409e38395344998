// Package pdf handles document identity and page preparation for the vision
// stage.
package pdf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Document identifies one source PDF for the lifetime of a run: content
// hash plus page count. Immutable once computed.
type Document struct {
	Name      string
	Bytes     []byte
	Hash      string // sha256 hex of the raw bytes
	PageCount int
}

// Load reads and fingerprints the PDF at path.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	return FromBytes(filepath.Base(path), b)
}

// FromBytes fingerprints in-memory PDF bytes (e.g. a dashboard upload).
func FromBytes(name string, b []byte) (*Document, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty pdf %q", name)
	}
	sum := sha256.Sum256(b)

	tmp, err := writeTemp(b)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	pageCount, err := api.PageCountFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("page count for %q: %w", name, err)
	}

	return &Document{
		Name:      name,
		Bytes:     b,
		Hash:      hex.EncodeToString(sum[:]),
		PageCount: pageCount,
	}, nil
}

func writeTemp(b []byte) (string, error) {
	f, err := os.CreateTemp("", "submittal-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp pdf: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write temp pdf: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp pdf: %w", err)
	}
	return f.Name(), nil
}
