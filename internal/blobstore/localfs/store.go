// Package localfs implements a blob store backed by a local file system.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/filevault/filevault/internal/blobstore"
	"github.com/filevault/filevault/internal/common"
	"github.com/filevault/filevault/internal/hashx"
)

const (
	stagingDir = "staging"
	objectsDir = "blobs"
)

// Store keeps staged uploads under staging/ and committed blobs under
// blobs/<aa>/<bb>/<digest>/<uuid>, where aa and bb are the first digest
// bytes. The fan-out keeps directories small with many blobs; the trailing
// uuid makes each commit's location unique, so a pending physical delete of
// an old record can never take the bytes of a newer record with the same
// digest.
type Store struct {
	fs afero.Fs
}

// New creates a local blob store rooted at the given afero filesystem.
// Pass nil to store objects under <cwd>/data.
func New(fs afero.Fs) *Store {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), "data")
	}
	return &Store{fs: fs}
}

func objectKey(digest hashx.Digest) string {
	hex := digest.String()
	return path.Join(objectsDir, hex[0:2], hex[2:4], hex, uuid.NewString())
}

// wrapIO maps out-of-space conditions to ErrResourceExhausted so that the
// engine can reject the upload without retry.
func wrapIO(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %v", op, common.ErrResourceExhausted, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) Stage(ctx context.Context, r io.Reader) (*blobstore.Staged, error) {
	if err := s.fs.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, wrapIO("ensuring staging dir", err)
	}

	key := path.Join(stagingDir, uuid.NewString()+".tmp")
	f, err := s.fs.OpenFile(key, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, wrapIO("creating staged file", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = s.fs.Remove(key)
		return nil, wrapIO("staging", err)
	}

	return &blobstore.Staged{Key: key, Size: n}, nil
}

func (s *Store) Commit(ctx context.Context, staged *blobstore.Staged, digest hashx.Digest) (string, error) {
	key := objectKey(digest)

	if err := s.fs.MkdirAll(path.Dir(key), 0o700); err != nil {
		return "", wrapIO("ensuring object dir", err)
	}

	if err := s.fs.Rename(staged.Key, key); err != nil {
		return "", wrapIO("committing object", err)
	}
	return key, nil
}

func (s *Store) Discard(ctx context.Context, staged *blobstore.Staged) error {
	if err := s.fs.Remove(staged.Key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discarding %q: %w", staged.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, location string) error {
	if err := s.fs.Remove(location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", location, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, location string) (io.ReadCloser, error) {
	f, err := s.fs.Open(location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("opening %q: %w", location, err)
	}
	return f, nil
}

func (s *Store) Has(ctx context.Context, location string) (bool, error) {
	fi, err := s.fs.Stat(location)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}
