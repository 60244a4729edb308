package partition

import (
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore uploads an archived partition's bytes and returns a URL
// the bytes can later be retrieved from. The local-filesystem
// implementation below is the default; a deployment swaps in an
// object-storage-backed implementation behind the same interface.
type BlobStore interface {
	Upload(name string, data []byte) (url string, err error)
}

// FileBlobStore writes archives under a directory and returns file://
// URLs. Exercises no network I/O, so the retry wrapper around it in
// Manager.archiveOne mostly guards against transient disk pressure.
type FileBlobStore struct {
	Dir string
}

// NewFileBlobStore creates a FileBlobStore rooted at dir, creating it
// if necessary.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileBlobStore{Dir: dir}, nil
}

// Upload implements BlobStore.
func (f *FileBlobStore) Upload(name string, data []byte) (string, error) {
	path := filepath.Join(f.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return "file://" + path, nil
}
