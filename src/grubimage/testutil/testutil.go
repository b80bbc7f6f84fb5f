// Package testutil provides fixtures shared by grubimage package tests:
// synthetic kernel binaries, fake build tools and bootloader source archives.
package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const (
	multiboot2Magic = 0xE85250D6
	multiboot1Magic = 0x1BADB002
)

// KernelOptions describes a synthetic kernel binary
type KernelOptions struct {
	Machine   elf.Machine // zero means EM_X86_64
	Raw       bool        // no ELF header
	Multiboot int         // 0, 1 or 2
	Size      int         // total size in bytes, at least 128
}

// Kernel returns the bytes of a synthetic kernel binary. The content is a
// deterministic function of opts.
func Kernel(opts KernelOptions) []byte {
	size := opts.Size
	if size < 128 {
		size = 128
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i*7 + 3)
	}

	headerEnd := 0
	if !opts.Raw {
		machine := opts.Machine
		if machine == 0 {
			machine = elf.EM_X86_64
		}
		hdr := elf.Header64{
			Type:      uint16(elf.ET_EXEC),
			Machine:   uint16(machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     0x100000,
			Ehsize:    64,
			Phentsize: 56,
			Shentsize: 64,
		}
		copy(hdr.Ident[:], elf.ELFMAG)
		hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
		hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
		hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

		var w bytes.Buffer
		_ = binary.Write(&w, binary.LittleEndian, &hdr)
		copy(buf, w.Bytes())
		headerEnd = w.Len()
	}

	le := binary.LittleEndian
	switch opts.Multiboot {
	case 2:
		off := (headerEnd + 7) &^ 7
		le.PutUint32(buf[off:], multiboot2Magic)
		le.PutUint32(buf[off+4:], 0)
		le.PutUint32(buf[off+8:], 16)
		sum := uint32(multiboot2Magic + 16)
		le.PutUint32(buf[off+12:], -sum)
	case 1:
		off := (headerEnd + 3) &^ 3
		le.PutUint32(buf[off:], multiboot1Magic)
		le.PutUint32(buf[off+4:], 3)
		sum := uint32(multiboot1Magic + 3)
		le.PutUint32(buf[off+8:], -sum)
	}
	return buf
}

// WriteFile writes data to path with the given mode, creating parent directories
func WriteFile(t testing.TB, path string, data []byte, mode os.FileMode) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Script writes an executable /bin/sh script and returns its path
func Script(t testing.TB, dir, name, body string) string {
	t.Helper()
	return WriteFile(t, filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755)
}

// TarGz returns a gzip-compressed tar archive holding files, all placed
// under a top-level directory named root
func TarGz(t testing.TB, root string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if err := tw.WriteHeader(&tar.Header{Name: root + "/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		mode := int64(0644)
		if filepath.Ext(name) == ".sh" || filepath.Base(name) == "configure" {
			mode = 0755
		}
		hdr := &tar.Header{
			Name:     root + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// BootloaderSources returns a gzipped source tree named root whose build.sh
// writes a boot sector and a core image of coreSize bytes into the directory
// given as its first argument.
func BootloaderSources(t testing.TB, root string, coreSize int) []byte {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
set -e
out="$1"
head -c 512 /dev/zero | tr '\0' 'B' > "$out/boot.img"
head -c %d /dev/zero | tr '\0' 'G' > "$out/core.img"
`, coreSize)
	return TarGz(t, root, map[string]string{
		"build.sh": script,
		"README":   "test bootloader sources\n",
	})
}
