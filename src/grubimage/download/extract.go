package download

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/ulikunitz/xz"
)

// IsArchive reports whether path has an extension ExtractArchive understands
func IsArchive(path string) bool {
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// ExtractArchive extracts a tar archive (optionally compressed) into destDir
// and returns the source directory: the single top-level directory when the
// archive has one, destDir otherwise.
func ExtractArchive(ctx context.Context, archivePath, destDir string) (string, error) {
	if err := extract(ctx, archivePath, destDir); err != nil {
		return "", errors.ErrExtractFailed.WithMessagef("failed to extract %s", filepath.Base(archivePath)).WithCause(err)
	}
	return findSourceDir(destDir)
}

func extract(ctx context.Context, archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file

	switch {
	case strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz"):
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader

	case strings.HasSuffix(archivePath, ".tar.bz2") || strings.HasSuffix(archivePath, ".tbz2"):
		reader = bzip2.NewReader(file)

	case strings.HasSuffix(archivePath, ".tar.xz") || strings.HasSuffix(archivePath, ".txz"):
		xzReader, err := xz.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to create xz reader: %w", err)
		}
		reader = xzReader

	case strings.HasSuffix(archivePath, ".tar"):
		// Plain tar

	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", destDir, err)
	}
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	tarReader := tar.NewReader(reader)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), root) {
			return fmt.Errorf("invalid tar path: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)|0700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(out, tarReader); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close file: %w", err)
			}

		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return fmt.Errorf("absolute symlink in archive: %s -> %s", header.Name, header.Linkname)
			}
			resolved := filepath.Join(filepath.Dir(target), header.Linkname)
			if !strings.HasPrefix(filepath.Clean(resolved)+string(os.PathSeparator), root) {
				return fmt.Errorf("symlink escapes archive root: %s -> %s", header.Name, header.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeLink:
			linkTarget := filepath.Join(destDir, header.Linkname)
			if !strings.HasPrefix(filepath.Clean(linkTarget)+string(os.PathSeparator), root) {
				return fmt.Errorf("hard link escapes archive root: %s", header.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("failed to create hard link: %w", err)
			}
		}
	}

	return nil
}

// findSourceDir returns the single top-level directory of an extracted
// archive, or dir itself
func findSourceDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.ErrExtractFailed.WithCause(err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
