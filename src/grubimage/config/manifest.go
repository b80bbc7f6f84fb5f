// Package config locates the project manifest and resolves the grubimage
// metadata block together with command-line build options into a BuildPlan.
package config

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/bitswalk/grubimage/src/common/errors"
)

// ManifestFile is the project manifest file name
const ManifestFile = "Cargo.toml"

// Manifest is the subset of a project manifest grubimage cares about
type Manifest struct {
	// Path is the absolute path to the manifest file
	Path string
	// Dir is the project directory containing the manifest
	Dir string
	// PackageName is package.name, used as default kernel binary name
	PackageName string
	// Metadata is the raw package.metadata.grubimage value
	Metadata Metadata
}

// Metadata holds the raw value of the package.metadata.grubimage entry.
// A nil Raw means the block is absent.
type Metadata struct {
	Raw interface{}
}

// Present reports whether the metadata block exists in the manifest
func (m Metadata) Present() bool {
	return m.Raw != nil
}

// LocateManifest finds the manifest to use. An explicit path wins, then
// CARGO_MANIFEST_DIR, then the nearest manifest walking up from startDir.
func LocateManifest(explicit, startDir string) (string, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", errors.ErrManifestNotFound.WithCause(err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", errors.ErrManifestNotFound.WithMessagef("manifest %s not found", abs).WithCause(err)
		}
		return abs, nil
	}

	if dir := os.Getenv("CARGO_MANIFEST_DIR"); dir != "" {
		candidate := filepath.Join(dir, ManifestFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", errors.ErrManifestNotFound.WithCause(err)
	}
	for {
		candidate := filepath.Join(dir, ManifestFile)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.ErrManifestNotFound.WithMessagef("could not find %s in %s or any parent directory", ManifestFile, startDir)
}

// LoadManifest parses the manifest at path
func LoadManifest(path string) (*Manifest, error) {
	var doc map[string]interface{}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.ErrManifestNotFound.WithMessagef("manifest %s not found", path).WithCause(err)
		}
		return nil, errors.ErrManifestInvalid.WithMessagef("failed to parse %s", path).WithCause(err)
	}
	return manifestFromDocument(path, doc)
}

// ParseManifest parses manifest content that was already read
func ParseManifest(path, content string) (*Manifest, error) {
	var doc map[string]interface{}
	if _, err := toml.Decode(content, &doc); err != nil {
		return nil, errors.ErrManifestInvalid.WithMessagef("failed to parse %s", path).WithCause(err)
	}
	return manifestFromDocument(path, doc)
}

func manifestFromDocument(path string, doc map[string]interface{}) (*Manifest, error) {
	m := &Manifest{
		Path: path,
		Dir:  filepath.Dir(path),
	}

	raw, ok := doc["package"]
	if !ok {
		return m, nil
	}
	pkg, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.ErrConfigMalformed.WithMessagef("%s: package must be a table", path)
	}
	if name, ok := pkg["name"].(string); ok {
		m.PackageName = name
	}
	raw, ok = pkg["metadata"]
	if !ok {
		return m, nil
	}
	meta, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.ErrConfigMalformed.WithMessagef("%s: package.metadata must be a table, found %T", path, raw)
	}
	m.Metadata.Raw = meta["grubimage"]
	return m, nil
}
