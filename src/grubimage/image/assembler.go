package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
)

// package-level logger, can be set via SetLogger
var log = logs.NewDefault()

// SetLogger sets the logger for the image package
func SetLogger(l *logs.Logger) {
	log = l
}

// DiskImage describes an assembled image
type DiskImage struct {
	Path          string `json:"path"`
	SizeBytes     int64  `json:"size_bytes"`
	Layout        string `json:"layout"`
	LayoutVersion int    `json:"layout_version"`
	KernelOffset  int64  `json:"kernel_offset"`
	KernelSectors int64  `json:"kernel_sectors"`
	DiskSignature uint32 `json:"disk_signature"`
	Checksum      string `json:"checksum"`
}

// ConfigData is available to a bootloader's config template
type ConfigData struct {
	KernelName    string
	Blocklist     string
	KernelLBA     uint64
	KernelSectors uint64
	KernelSize    uint64
	Multiboot     int
	Bootloader    string
	Version       string
}

// Assembler writes disk images
type Assembler struct{}

// NewAssembler creates an Assembler
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble combines kernel and bootloader into a disk image at outputPath.
// The image is written to a temporary file next to outputPath and renamed
// into place, so outputPath is either untouched or complete. Nothing is
// written when the kernel does not satisfy the bootloader's requirement.
func (a *Assembler) Assemble(ctx context.Context, k *kernel.Artifact, b *bootloader.Artifact, outputPath string) (*DiskImage, error) {
	if err := b.Requires.Check(k); err != nil {
		return nil, errors.ErrFormatMismatch.WithMessagef("%s %s cannot load %s: %v", b.Name, b.Version, k.Name, err)
	}

	layout, err := LookupLayout(b.Layout.Type)
	if err != nil {
		return nil, err
	}
	in := Input{Kernel: k, Bootloader: b}
	d, err := layout.Plan(in)
	if err != nil {
		return nil, err
	}
	config, err := RenderConfig(b, k, d)
	if err != nil {
		return nil, err
	}
	d.ConfigLength = uint32(len(config))

	if err := ctx.Err(); err != nil {
		return nil, errors.ErrInterrupted.WithCause(err)
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.ErrIOFailure.WithMessagef("cannot create %s", dir).WithCause(err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return nil, errors.ErrIOFailure.WithMessagef("cannot create temporary image in %s", dir).WithCause(err)
	}
	tmpPath := tmp.Name()
	done := false
	defer func() {
		if !done {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := layout.Write(tmp, in, d, config); err != nil {
		return nil, err
	}
	if err := tmp.Truncate(d.ImageSize()); err != nil {
		return nil, ioError(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrInterrupted.WithCause(err)
	}

	sum, err := checksum(tmp)
	if err != nil {
		return nil, ioError(err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, ioError(err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return nil, ioError(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, ioError(err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return nil, ioError(err)
	}
	done = true
	syncDir(dir)

	img := &DiskImage{
		Path:          outputPath,
		SizeBytes:     d.ImageSize(),
		Layout:        d.Layout,
		LayoutVersion: int(d.Version),
		KernelOffset:  d.KernelOffset(),
		KernelSectors: int64(d.KernelSectors),
		DiskSignature: d.DiskSignature,
		Checksum:      sum,
	}
	log.Info("Disk image written", "path", outputPath, "size", img.SizeBytes, "kernel_offset", img.KernelOffset)
	return img, nil
}

// RenderConfig renders the bootloader's config template for the planned
// image. The result must name the kernel block list exactly once.
func RenderConfig(b *bootloader.Artifact, k *kernel.Artifact, d *Descriptor) ([]byte, error) {
	tmpl, err := template.New("config").Option("missingkey=error").Parse(b.Layout.Config)
	if err != nil {
		return nil, errors.ErrConfigRender.WithMessagef("%s config template: %v", b.Name, err)
	}
	data := ConfigData{
		KernelName:    k.Name,
		Blocklist:     d.Blocklist(),
		KernelLBA:     d.KernelLBA,
		KernelSectors: d.KernelSectors,
		KernelSize:    d.KernelSize,
		Multiboot:     int(k.Multiboot),
		Bootloader:    b.Name,
		Version:       b.Version,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, errors.ErrConfigRender.WithMessagef("%s config template: %v", b.Name, err)
	}
	if n := strings.Count(buf.String(), data.Blocklist); n != 1 {
		return nil, errors.ErrConfigRender.WithMessagef(
			"%s config references the kernel block list %s %d times, want exactly once", b.Name, data.Blocklist, n)
	}
	return buf.Bytes(), nil
}

func checksum(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// syncDir persists the rename; failures only cost durability
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Debug("Directory sync failed", "dir", dir, "error", err)
	}
}
