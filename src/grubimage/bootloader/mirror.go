package bootloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/download"
	"github.com/bitswalk/grubimage/src/grubimage/storage"
)

// Mirror object keys
func mirrorEntryKey(key, file string) string {
	return path.Join(entriesDir, key, file)
}

func mirrorSourceKey(name, version, file string) string {
	return path.Join("sources", name, version, file)
}

// MirrorEntry is a prebuilt bootloader published on the mirror
type MirrorEntry struct {
	Key       string    `json:"cache_key"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Target    string    `json:"target"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	// Cached is set when the entry is also in the local cache
	Cached bool `json:"cached"`
}

// MirrorPublishResult summarizes a PublishToMirror run
type MirrorPublishResult struct {
	Pushed  []string `json:"pushed"`
	Present []string `json:"present,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// Mirror returns the configured mirror or an error when there is none
func (p *Provider) Mirror() (storage.Backend, error) {
	if p.opts.Mirror == nil {
		return nil, errors.ErrConfigMalformed.WithMessage("no bootloader mirror configured (set mirror.type)")
	}
	return p.opts.Mirror, nil
}

// MirrorEntries lists the bootloader entries published on the mirror.
// Objects without a readable marker are skipped.
func (p *Provider) MirrorEntries(ctx context.Context) ([]MirrorEntry, error) {
	mirror, err := p.Mirror()
	if err != nil {
		return nil, err
	}
	objects, err := mirror.List(ctx, entriesDir+"/")
	if err != nil {
		return nil, err
	}

	var entries []MirrorEntry
	for _, obj := range objects {
		if path.Base(obj.Key) != markerFile {
			continue
		}
		key := path.Base(path.Dir(obj.Key))
		if len(key) < 2 {
			continue
		}
		m, err := p.readRemoteMarker(ctx, key)
		if err != nil {
			log.Debug("Skipping mirror object", "key", obj.Key, "error", err)
			continue
		}
		_, statErr := os.Stat(filepath.Join(entryDir(p.root, key), markerFile))
		entries = append(entries, MirrorEntry{
			Key:       key,
			Name:      m.Name,
			Version:   m.Version,
			Target:    m.Target,
			SizeBytes: m.SizeBytes,
			CreatedAt: m.CreatedAt,
			Cached:    statErr == nil,
		})
	}
	return entries, nil
}

// PublishToMirror uploads every valid local entry the mirror does not have yet
func (p *Provider) PublishToMirror(ctx context.Context) (*MirrorPublishResult, error) {
	mirror, err := p.Mirror()
	if err != nil {
		return nil, err
	}
	local, err := p.Entries(ctx)
	if err != nil {
		return nil, err
	}

	res := &MirrorPublishResult{}
	for _, e := range local {
		if e.Artifact == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, errors.ErrInterrupted.WithCause(err)
		}
		if _, err := mirror.Stat(ctx, mirrorEntryKey(e.Key, markerFile)); err == nil {
			res.Present = append(res.Present, e.Key)
			continue
		} else if !errors.Is(err, errors.ErrObjectNotFound) {
			return res, err
		}

		m, err := readMarker(e.Dir)
		if err == nil {
			err = p.pushEntry(ctx, e.Artifact, m)
		}
		if err != nil {
			log.Warn("Failed to push bootloader to mirror", "key", e.Key, "error", err)
			res.Failed = append(res.Failed, e.Key)
			continue
		}
		log.Info("Pushed bootloader to mirror", "bootloader", e.Artifact.Name, "version", e.Artifact.Version, "mirror", mirror.Location())
		p.markMirrored(e.Key)
		res.Pushed = append(res.Pushed, e.Key)
	}
	return res, nil
}

// RemoveFromMirror deletes a published entry. The marker goes first so that
// readers never see an entry with missing files.
func (p *Provider) RemoveFromMirror(ctx context.Context, key string) error {
	mirror, err := p.Mirror()
	if err != nil {
		return err
	}
	objects, err := mirror.List(ctx, mirrorEntryKey(key, "")+"/")
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return errors.ErrObjectNotFound.WithMessagef("no mirror entry %s", key)
	}
	if err := mirror.Remove(ctx, mirrorEntryKey(key, markerFile)); err != nil {
		return err
	}
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/"+markerFile) {
			continue
		}
		if err := mirror.Remove(ctx, obj.Key); err != nil {
			return err
		}
	}
	log.Info("Removed bootloader from mirror", "key", key, "mirror", mirror.Location())
	return nil
}

// pullEntry fills out with a prebuilt entry from the mirror. It reports
// false, leaving out empty, when the mirror has no usable entry.
func (p *Provider) pullEntry(ctx context.Context, key, out string, m *entryMarker) bool {
	mirror := p.opts.Mirror
	if mirror == nil {
		return false
	}

	remote, err := p.readRemoteMarker(ctx, key)
	if errors.Is(err, errors.ErrObjectNotFound) {
		return false
	}
	if err == nil {
		for _, name := range remote.files() {
			if _, err = p.downloadVerified(ctx, mirrorEntryKey(key, name), filepath.Join(out, name)); err != nil {
				break
			}
		}
	}
	if err == nil {
		var sum string
		var size int64
		sum, size, err = fileChecksum(filepath.Join(out, remote.Binary))
		if err == nil && (sum != remote.Checksum || size != remote.SizeBytes) {
			err = errors.ErrChecksumMismatch.WithMessagef("mirrored %s does not match its marker", remote.Binary)
		}
	}
	if err == nil {
		if bsErr := remote.verifyBootSector(out); bsErr != nil {
			err = errors.ErrChecksumMismatch.WithMessagef("mirrored %s does not match its marker", remote.BootSector).WithCause(bsErr)
		}
	}
	if err != nil {
		log.Warn("Ignoring unusable mirror entry", "key", key, "mirror", mirror.Location(), "error", err)
		entries, _ := os.ReadDir(out)
		for _, e := range entries {
			os.RemoveAll(filepath.Join(out, e.Name()))
		}
		return false
	}

	m.Binary = remote.Binary
	m.BootSector = remote.BootSector
	m.BootSectorChecksum = remote.BootSectorChecksum
	m.Checksum = remote.Checksum
	m.SizeBytes = remote.SizeBytes
	m.Source = remote.Source
	m.SourceChecksum = remote.SourceChecksum
	m.CreatedAt = time.Now().UTC()
	log.Info("Bootloader restored from mirror", "bootloader", m.Name, "version", m.Version, "mirror", mirror.Location())
	return true
}

func (p *Provider) readRemoteMarker(ctx context.Context, key string) (*entryMarker, error) {
	rc, err := p.opts.Mirror.Get(ctx, mirrorEntryKey(key, markerFile))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var m entryMarker
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, errors.ErrCacheUnavailable.WithMessage("mirror marker is not valid JSON").WithCause(err)
	}
	if m.CacheKey != key || m.Binary == "" || m.Checksum == "" {
		return nil, errors.ErrCacheUnavailable.WithMessage("mirror marker is incomplete")
	}
	return &m, nil
}

// downloadVerified copies a mirror object to dest through a temp file and
// returns its checksum
func (p *Provider) downloadVerified(ctx context.Context, key, dest string) (*download.Result, error) {
	start := time.Now()
	rc, err := p.opts.Mirror.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".mirror-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), rc)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, err
	}
	return &download.Result{
		Path:     dest,
		Checksum: hex.EncodeToString(h.Sum(nil)),
		Size:     n,
		Duration: time.Since(start),
	}, nil
}

// fetchSource retrieves the bootloader sources into work, from the mirror
// when it has them and from the definition's source otherwise. A pinned
// checksum is verified either way.
func (p *Provider) fetchSource(ctx context.Context, def *Definition, vs VersionSource, source, work string) (*download.Result, error) {
	file := download.FileName(source)

	if mirror := p.opts.Mirror; mirror != nil {
		key := mirrorSourceKey(def.Name, vs.Version, file)
		res, err := p.downloadVerified(ctx, key, filepath.Join(work, file))
		switch {
		case err == nil:
			if err := download.Verify(res, vs.SHA256); err != nil {
				return nil, err
			}
			log.Info("Fetched bootloader sources from mirror", "file", file, "mirror", mirror.Location())
			return res, nil
		case errors.Is(err, errors.ErrObjectNotFound):
			log.Debug("Sources not mirrored", "key", key)
		default:
			log.Warn("Mirror download failed, falling back to source", "key", key, "error", err)
		}
	}

	log.Info("Fetching bootloader sources", "source", source)
	res, err := p.opts.Fetcher.Fetch(ctx, source, work)
	if err != nil {
		return nil, err
	}
	if err := download.Verify(res, vs.SHA256); err != nil {
		return nil, err
	}

	if p.opts.PushToMirror && p.opts.Mirror != nil {
		if err := p.upload(ctx, mirrorSourceKey(def.Name, vs.Version, file), res.Path); err != nil {
			log.Warn("Failed to push sources to mirror", "file", file, "error", err)
		}
	}
	return res, nil
}

// pushEntry uploads the entry files, marker last
func (p *Provider) pushEntry(ctx context.Context, a *Artifact, m *entryMarker) error {
	for _, name := range m.files() {
		if err := p.upload(ctx, mirrorEntryKey(a.CacheKey, name), filepath.Join(a.Dir, name)); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return p.opts.Mirror.Put(ctx, mirrorEntryKey(a.CacheKey, markerFile), bytes.NewReader(data), int64(len(data)))
}

func (p *Provider) upload(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return p.opts.Mirror.Put(ctx, key, f, info.Size())
}

func (p *Provider) markMirrored(key string) {
	if p.opts.Index == nil {
		return
	}
	if err := p.opts.Index.MarkMirrored(key); err != nil {
		log.Warn("Failed to update cache index", "error", err)
	}
}
