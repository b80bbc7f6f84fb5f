// Package storage provides mirror backends for built bootloader artifacts.
// A mirror lets several machines share bootloader builds: the provider
// checks it before fetching sources and may push fresh builds to it.
//
// Keys are slash-separated paths relative to the mirror root, e.g.
// "bootloaders/<cache key>/entry.json" or "sources/grub/2.06/grub-2.06.tar.gz".
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
)

// Backend is a flat object store holding mirrored bootloader entries and sources
type Backend interface {
	// Put stores size bytes read from r under key, replacing any previous
	// object. A reader yielding a different length is an error and leaves
	// no object behind.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens the object stored under key
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat describes the object under key; a missing key yields errors.ErrObjectNotFound
	Stat(ctx context.Context, key string) (Object, error)

	// Remove deletes the object under key; removing a missing key is not an error
	Remove(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix, sorted by key
	List(ctx context.Context, prefix string) ([]Object, error)

	// Check verifies that the mirror is reachable
	Check(ctx context.Context) error

	// Location describes the mirror for logs and listings
	Location() string
}

// Object describes one stored object
type Object struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Backend kinds accepted in Config.Kind
const (
	KindNone  = "none"
	KindLocal = "local"
	KindS3    = "s3"
)

// Config selects and configures the mirror backend
type Config struct {
	// Kind is KindLocal, KindS3, or empty / KindNone for no mirror
	Kind  string
	Local LocalConfig
	S3    S3Config
}

// New creates the configured backend. It returns a nil Backend when no
// mirror is configured.
func New(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindLocal:
		return NewLocal(cfg.Local)
	case KindS3:
		return NewS3(cfg.S3)
	default:
		return nil, errors.ErrStorageOperation.WithMessagef("unsupported mirror type %q (want %s or %s)", cfg.Kind, KindLocal, KindS3)
	}
}

// cleanKey normalizes key to a relative slash path that cannot climb above
// the mirror root. It returns "" for keys naming the root itself.
func cleanKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

func notFound(key string) error {
	return errors.ErrObjectNotFound.WithMessagef("%s not in mirror", key)
}

func failed(op, key string, err error) error {
	return errors.ErrStorageOperation.WithMessagef("mirror %s %s failed", op, key).WithCause(err)
}
