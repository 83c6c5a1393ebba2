// Package storage holds the blob store collaborator contract and its
// default disk-backed implementation. Raw upload bytes never reach the
// relay; messages only carry the returned descriptor.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"chat-hub/domain"
	"chat-hub/errors"
)

// MaxBlobSize is the fixed upload cap. Oversized input is rejected
// before anything is written.
const MaxBlobSize = 10 << 20

// BlobStore is the external collaborator contract: raw bytes in, a
// retrievable descriptor out.
type BlobStore interface {
	Put(name string, r io.Reader, declaredSize int64) (domain.Attachment, error)
}

// DiskBlobStore keeps blobs in a local directory under random hex names,
// preserving the original extension for retrieval.
type DiskBlobStore struct {
	dir string
	log *slog.Logger
}

func NewDiskBlobStore(dir string, log *slog.Logger) (*DiskBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &DiskBlobStore{dir: dir, log: log}, nil
}

func (s *DiskBlobStore) Put(name string, r io.Reader, declaredSize int64) (domain.Attachment, error) {
	if declaredSize > MaxBlobSize {
		return domain.Attachment{}, errors.ErrBlobTooLarge
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return domain.Attachment{}, err
	}
	filename := hex.EncodeToString(raw) + filepath.Ext(name)
	path := filepath.Join(s.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return domain.Attachment{}, err
	}
	defer f.Close()

	// Enforce the cap on the actual stream, not just the declared size.
	written, err := io.Copy(f, io.LimitReader(r, MaxBlobSize+1))
	if err != nil {
		_ = os.Remove(path)
		return domain.Attachment{}, err
	}
	if written > MaxBlobSize {
		_ = os.Remove(path)
		return domain.Attachment{}, errors.ErrBlobTooLarge
	}

	mime, err := mimetype.DetectFile(path)
	contentType := "application/octet-stream"
	if err == nil {
		contentType = mime.String()
	} else {
		s.log.Warn("Content type detection failed", "file", filename, "err", err)
	}

	return domain.Attachment{
		URL:  "/uploads/" + filename,
		Name: name,
		Type: contentType,
		Size: written,
	}, nil
}

// Dir exposes the backing directory so the HTTP layer can serve it.
func (s *DiskBlobStore) Dir() string {
	return s.dir
}
