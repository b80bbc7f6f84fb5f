package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/paths"
)

// stagingPrefix marks in-flight Put files, which listings skip
const stagingPrefix = ".put-"

// LocalConfig configures a directory mirror
type LocalConfig struct {
	// Root is the mirror directory; a shared network mount works too
	Root string
}

// LocalBackend keeps the mirror in a directory tree, one file per key
type LocalBackend struct {
	root string
}

// NewLocal opens (creating if needed) a directory mirror
func NewLocal(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.Root == "" {
		return nil, errors.ErrStorageOperation.WithMessage("local mirror requires a path")
	}
	root := filepath.Clean(paths.Expand(cfg.Root))
	if err := paths.EnsureDirPath(root); err != nil {
		return nil, errors.ErrStorageOperation.WithMessagef("cannot create mirror directory %s", root).WithCause(err)
	}
	return &LocalBackend{root: root}, nil
}

// file maps key to its path below the mirror root
func (b *LocalBackend) file(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(cleanKey(key)))
}

// Put writes through a staging file renamed into place, so concurrent
// readers on other machines never see a partial object
func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dest := b.file(key)
	if err := paths.EnsureDir(dest); err != nil {
		return failed("put", key, err)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), stagingPrefix+"*")
	if err != nil {
		return failed("put", key, err)
	}
	staged := f.Name()
	defer os.Remove(staged)

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n != size {
		err = errors.ErrStorageOperation.WithMessagef("read %d bytes, expected %d", n, size)
	}
	if err == nil {
		err = os.Rename(staged, dest)
	}
	if err != nil {
		return failed("put", key, err)
	}
	return nil
}

// Get opens the file stored under key
func (b *LocalBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.file(key))
	switch {
	case os.IsNotExist(err):
		return nil, notFound(key)
	case err != nil:
		return nil, failed("get", key, err)
	}
	return f, nil
}

// Stat describes the file stored under key
func (b *LocalBackend) Stat(ctx context.Context, key string) (Object, error) {
	info, err := os.Stat(b.file(key))
	switch {
	case os.IsNotExist(err):
		return Object{}, notFound(key)
	case err != nil:
		return Object{}, failed("stat", key, err)
	case !info.Mode().IsRegular():
		return Object{}, notFound(key)
	}
	return Object{Key: cleanKey(key), Size: info.Size(), Modified: info.ModTime()}, nil
}

// Remove deletes the file under key along with directories it leaves empty
func (b *LocalBackend) Remove(ctx context.Context, key string) error {
	if cleanKey(key) == "" {
		return errors.ErrStorageOperation.WithMessage("refusing to remove the mirror root")
	}
	p := b.file(key)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return failed("remove", key, err)
	}
	for dir := filepath.Dir(p); dir != b.root && strings.HasPrefix(dir, b.root+string(os.PathSeparator)); dir = filepath.Dir(dir) {
		// Fails on the first non-empty directory
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// List walks the mirror for keys starting with prefix
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), stagingPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, failed("list", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Check verifies the mirror directory is still present and writable
func (b *LocalBackend) Check(ctx context.Context) error {
	f, err := os.CreateTemp(b.root, stagingPrefix+"check-*")
	if err != nil {
		return errors.ErrStorageOperation.WithMessagef("mirror directory %s is not writable", b.root).WithCause(err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// Location returns the mirror directory
func (b *LocalBackend) Location() string {
	return b.root
}
