package bootloader

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Cache directory layout
const (
	entriesDir  = "bootloaders"
	locksDir    = "locks"
	stagingDir  = "staging"
	markerFile  = "entry.json"
	stagingWork = "work"
	stagingOut  = "entry"
)

// CacheKey identifies a bootloader build: sha256 of name, version and target
func CacheKey(name, version, target string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + version + "\x00" + target))
	return hex.EncodeToString(sum[:])
}

// Artifact is a bootloader build held in the cache
type Artifact struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Target   string `json:"target"`
	CacheKey string `json:"cache_key"`
	// Dir is the cache entry directory
	Dir string `json:"-"`
	// BinaryPath is the bootloader core
	BinaryPath string `json:"-"`
	// BootSectorPath is empty when the definition has no boot sector
	BootSectorPath string      `json:"-"`
	Checksum       string      `json:"checksum"`
	SizeBytes      int64       `json:"size_bytes"`
	Layout         LayoutSpec  `json:"layout"`
	Requires       Requirement `json:"requires"`
}

// entryMarker is written last into a cache entry; an entry without a valid
// marker is incomplete and gets rebuilt.
type entryMarker struct {
	Name               string      `json:"name"`
	Version            string      `json:"version"`
	Target             string      `json:"target"`
	CacheKey           string      `json:"cache_key"`
	Binary             string      `json:"binary"`
	BootSector         string      `json:"boot_sector,omitempty"`
	BootSectorChecksum string      `json:"boot_sector_checksum,omitempty"`
	Checksum           string      `json:"checksum"`
	SizeBytes          int64       `json:"size_bytes"`
	Source             string      `json:"source"`
	SourceChecksum     string      `json:"source_checksum,omitempty"`
	Layout             LayoutSpec  `json:"layout"`
	Requires           Requirement `json:"requires"`
	CreatedAt          time.Time   `json:"created_at"`
}

// files lists the entry's files, marker excluded
func (m *entryMarker) files() []string {
	files := []string{m.Binary}
	if m.BootSector != "" {
		files = append(files, m.BootSector)
	}
	return files
}

func (m *entryMarker) artifact(dir string) *Artifact {
	a := &Artifact{
		Name:       m.Name,
		Version:    m.Version,
		Target:     m.Target,
		CacheKey:   m.CacheKey,
		Dir:        dir,
		BinaryPath: filepath.Join(dir, m.Binary),
		Checksum:   m.Checksum,
		SizeBytes:  m.SizeBytes,
		Layout:     m.Layout,
		Requires:   m.Requires,
	}
	if m.BootSector != "" {
		a.BootSectorPath = filepath.Join(dir, m.BootSector)
	}
	return a
}

// entryDir returns <root>/bootloaders/<key[:2]>/<key>
func entryDir(root, key string) string {
	return filepath.Join(root, entriesDir, key[:2], key)
}

func lockPath(root, key string) string {
	return filepath.Join(root, locksDir, key+".lock")
}

func writeMarker(dir string, m *entryMarker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, markerFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, markerFile))
}

func readMarker(dir string) (*entryMarker, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return nil, err
	}
	var m entryMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", markerFile, err)
	}
	if m.Binary == "" || m.Checksum == "" {
		return nil, fmt.Errorf("incomplete %s", markerFile)
	}
	return &m, nil
}

// loadEntry returns the artifact in dir when the entry is complete and its
// binary still matches the recorded checksum. os.ErrNotExist is returned
// when there is no entry at all; any other error marks the entry stale.
func loadEntry(dir, key string) (*Artifact, error) {
	m, err := readMarker(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
				return nil, os.ErrNotExist
			}
			return nil, fmt.Errorf("entry has no %s", markerFile)
		}
		return nil, err
	}
	if m.CacheKey != key {
		return nil, fmt.Errorf("entry key %s does not match %s", m.CacheKey, key)
	}
	sum, size, err := fileChecksum(filepath.Join(dir, m.Binary))
	if err != nil {
		return nil, err
	}
	if sum != m.Checksum || size != m.SizeBytes {
		return nil, fmt.Errorf("checksum mismatch for %s", m.Binary)
	}
	if err := m.verifyBootSector(dir); err != nil {
		return nil, err
	}
	return m.artifact(dir), nil
}

// verifyBootSector checks the boot sector in dir against the marker
func (m *entryMarker) verifyBootSector(dir string) error {
	if m.BootSector == "" {
		return nil
	}
	sum, _, err := fileChecksum(filepath.Join(dir, m.BootSector))
	if err != nil {
		return err
	}
	if sum != m.BootSectorChecksum {
		return fmt.Errorf("checksum mismatch for %s", m.BootSector)
	}
	return nil
}

func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
