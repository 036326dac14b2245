// Package storage keeps raw bytes (uploaded archives, fitness files, media)
// under string keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/deemkeen/trailpost/util"
)

// ErrNotExist is returned by Read for a key that was never saved or was
// deleted.
var ErrNotExist = errors.New("storage: object does not exist")

// Object gives random access to a stored object without loading it.
type Object interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type Storage interface {
	Save(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	// Open returns the object for random access. The caller closes it.
	Open(ctx context.Context, key string) (Object, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected in the config.
func New(ctx context.Context, conf *util.AppConfig) (Storage, error) {
	switch conf.Storage.Backend {
	case "", "local":
		return NewLocal(conf.Conf.StorageDir)
	case "gcs":
		return NewGCS(ctx, conf.Storage.Bucket, conf.Storage.CredentialsFile)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", conf.Storage.Backend)
	}
}

// Key joins parts into an object key.
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid storage key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid storage key %q", key)
		}
	}
	return nil
}
