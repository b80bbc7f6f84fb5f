package kernel

import (
	"crypto/sha256"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitswalk/grubimage/src/common/errors"
)

// Format is the container format of a kernel binary
type Format string

const (
	FormatELF Format = "elf"
	FormatRaw Format = "raw"
)

// Multiboot is the multiboot header generation found in a kernel binary
type Multiboot int

const (
	MultibootNone Multiboot = iota
	MultibootV1
	MultibootV2
)

// String returns the header name as used in bootloader requirements
func (m Multiboot) String() string {
	switch m {
	case MultibootV1:
		return "multiboot"
	case MultibootV2:
		return "multiboot2"
	default:
		return "none"
	}
}

// Multiboot header constants
const (
	multiboot1Magic       = 0x1BADB002
	multiboot1SearchLimit = 8192
	multiboot2Magic       = 0xE85250D6
	multiboot2SearchLimit = 32768
)

// Artifact describes a built kernel binary
type Artifact struct {
	BinaryPath   string    `json:"binary_path"`
	Name         string    `json:"name"`
	TargetTriple string    `json:"target_triple"`
	EntryFormat  Format    `json:"entry_format"`
	Machine      string    `json:"machine,omitempty"`
	Multiboot    Multiboot `json:"multiboot"`
	SizeBytes    int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum"`
}

// Inspect examines the binary at path and fills in an Artifact.
// The binary must exist and be non-empty.
func Inspect(path, target string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.ErrArtifactNotFound.WithMessagef("kernel binary %s not readable", path).WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.ErrArtifactNotFound.WithCause(err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, errors.ErrArtifactNotFound.WithMessagef("kernel binary %s is empty or not a regular file", path)
	}

	a := &Artifact{
		BinaryPath:   path,
		Name:         filepath.Base(path),
		TargetTriple: target,
		EntryFormat:  FormatRaw,
		SizeBytes:    info.Size(),
	}

	if ef, err := elf.NewFile(f); err == nil {
		a.EntryFormat = FormatELF
		a.Machine = elfMachine(ef.Machine)
	}

	head := make([]byte, multiboot2SearchLimit)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, errors.ErrArtifactNotFound.WithMessagef("failed to read %s", path).WithCause(err)
	}
	a.Multiboot = detectMultiboot(head[:n])

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.ErrArtifactNotFound.WithCause(err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, errors.ErrArtifactNotFound.WithMessagef("failed to hash %s", path).WithCause(err)
	}
	a.Checksum = hex.EncodeToString(hasher.Sum(nil))

	return a, nil
}

func elfMachine(m elf.Machine) string {
	switch m {
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_386:
		return "i386"
	case elf.EM_AARCH64:
		return "aarch64"
	case elf.EM_RISCV:
		return "riscv"
	case elf.EM_ARM:
		return "arm"
	default:
		return fmt.Sprintf("elf-machine-%d", uint16(m))
	}
}

// detectMultiboot scans head for a valid multiboot2 header (8-byte aligned)
// and then a valid multiboot1 header (4-byte aligned in the first 8 KiB).
func detectMultiboot(head []byte) Multiboot {
	le := binary.LittleEndian

	for off := 0; off+16 <= len(head); off += 8 {
		if le.Uint32(head[off:]) != multiboot2Magic {
			continue
		}
		arch := le.Uint32(head[off+4:])
		length := le.Uint32(head[off+8:])
		checksum := le.Uint32(head[off+12:])
		if multiboot2Magic+arch+length+checksum == 0 {
			return MultibootV2
		}
	}

	limit := len(head)
	if limit > multiboot1SearchLimit {
		limit = multiboot1SearchLimit
	}
	for off := 0; off+12 <= limit; off += 4 {
		if le.Uint32(head[off:]) != multiboot1Magic {
			continue
		}
		flags := le.Uint32(head[off+4:])
		checksum := le.Uint32(head[off+8:])
		if multiboot1Magic+flags+checksum == 0 {
			return MultibootV1
		}
	}

	return MultibootNone
}
