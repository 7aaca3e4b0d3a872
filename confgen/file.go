package confgen

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"golang.org/x/crypto/blake2b"
)

// LoadFile reads a document from disk. Comments and trailing commas are
// tolerated.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// WriteFile writes doc to path atomically. It reports changed=false and
// leaves the file alone when the content is already identical.
func WriteFile(path string, doc Document) (bool, error) {
	data, err := doc.Marshal()
	if err != nil {
		return false, err
	}
	data = append(data, '\n')
	if old, err := os.ReadFile(path); err == nil && digest(old) == digest(data) {
		return false, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, err
	}
	return true, nil
}

func digest(data []byte) [blake2b.Size256]byte {
	return blake2b.Sum256(bytes.TrimSpace(data))
}
