// Package image assembles bootable disk images from a kernel and a
// bootloader, and reads back the descriptor of an assembled image.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
)

// LayoutVersion is the version of the on-disk descriptor format
const LayoutVersion = 1

const sectorSize = bootloader.SectorSize

// descriptorMagic marks the descriptor sector
var descriptorMagic = [8]byte{'G', 'R', 'U', 'B', 'I', 'M', 'G', '1'}

// Input is what a layout places on disk
type Input struct {
	Kernel     *kernel.Artifact
	Bootloader *bootloader.Artifact
}

// Descriptor records where everything lives in an assembled image. It is
// stored in one sector at the end of the reserved region.
type Descriptor struct {
	Version       uint32   `json:"version"`
	Layout        string   `json:"layout"`
	DiskSignature uint32   `json:"disk_signature"`
	KernelLBA     uint64   `json:"kernel_lba"`
	KernelSectors uint64   `json:"kernel_sectors"`
	KernelSize    uint64   `json:"kernel_size"`
	PaddedSectors uint64   `json:"padded_sectors"`
	CoreSectors   uint32   `json:"core_sectors"`
	ConfigLBA     uint64   `json:"config_lba"`
	ConfigLength  uint32   `json:"config_length"`
	KernelSHA256  [32]byte `json:"-"`
	Bootloader    string   `json:"bootloader"`
	BootVersion   string   `json:"bootloader_version"`
}

// Blocklist returns the kernel location in GRUB block list notation
func (d *Descriptor) Blocklist() string {
	return fmt.Sprintf("(hd0)%d+%d", d.KernelLBA, d.KernelSectors)
}

// KernelOffset returns the byte offset of the kernel payload
func (d *Descriptor) KernelOffset() int64 {
	return int64(d.KernelLBA) * sectorSize
}

// ImageSize returns the total image size in bytes
func (d *Descriptor) ImageSize() int64 {
	return int64(d.KernelLBA+d.PaddedSectors) * sectorSize
}

// Layout turns a kernel and a bootloader into a disk image
type Layout interface {
	// Type is the name bootloader definitions select the layout by
	Type() string
	// Plan computes the placement of every part without writing anything
	Plan(in Input) (*Descriptor, error)
	// Write lays out the image into w; config is the rendered boot config
	Write(w io.WriterAt, in Input, d *Descriptor, config []byte) error
}

var (
	layoutsMu sync.RWMutex
	layouts   = map[string]Layout{}
)

func init() {
	RegisterLayout(mbrLayout{})
}

// RegisterLayout makes a layout available to bootloader definitions
func RegisterLayout(l Layout) {
	layoutsMu.Lock()
	defer layoutsMu.Unlock()
	layouts[l.Type()] = l
}

// LookupLayout returns the layout registered under name
func LookupLayout(name string) (Layout, error) {
	layoutsMu.RLock()
	defer layoutsMu.RUnlock()
	l, ok := layouts[name]
	if !ok {
		return nil, errors.ErrUnknownLayout.WithMessagef("unknown image layout %q (known: %v)", name, layoutNamesLocked())
	}
	return l, nil
}

// Layouts returns the registered layout names, sorted
func Layouts() []string {
	layoutsMu.RLock()
	defer layoutsMu.RUnlock()
	return layoutNamesLocked()
}

func layoutNamesLocked() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor sector encoding, little endian:
//
//	0   magic "GRUBIMG1"
//	8   version u32, disk signature u32
//	16  kernel lba, kernel sectors, kernel size, padded sectors (u64 each)
//	48  config lba u64, config length u32, core sectors u32
//	64  kernel sha256
//	96  layout [16], bootloader [32], bootloader version [32]
//	508 crc32 (IEEE) of bytes 0..507
const (
	offLayout     = 96
	offBootloader = 112
	offBootVer    = 144
	offCRC        = 508
)

func (d *Descriptor) encode() [sectorSize]byte {
	var b [sectorSize]byte
	le := binary.LittleEndian
	copy(b[0:8], descriptorMagic[:])
	le.PutUint32(b[8:], d.Version)
	le.PutUint32(b[12:], d.DiskSignature)
	le.PutUint64(b[16:], d.KernelLBA)
	le.PutUint64(b[24:], d.KernelSectors)
	le.PutUint64(b[32:], d.KernelSize)
	le.PutUint64(b[40:], d.PaddedSectors)
	le.PutUint64(b[48:], d.ConfigLBA)
	le.PutUint32(b[56:], d.ConfigLength)
	le.PutUint32(b[60:], d.CoreSectors)
	copy(b[64:96], d.KernelSHA256[:])
	putString(b[offLayout:offBootloader], d.Layout)
	putString(b[offBootloader:offBootVer], d.Bootloader)
	putString(b[offBootVer:offBootVer+32], d.BootVersion)
	le.PutUint32(b[offCRC:], crc32.ChecksumIEEE(b[:offCRC]))
	return b
}

func decodeDescriptor(b []byte) (*Descriptor, error) {
	if len(b) < sectorSize || !bytes.Equal(b[0:8], descriptorMagic[:]) {
		return nil, fmt.Errorf("descriptor magic not found")
	}
	le := binary.LittleEndian
	if crc := crc32.ChecksumIEEE(b[:offCRC]); crc != le.Uint32(b[offCRC:]) {
		return nil, fmt.Errorf("descriptor checksum mismatch")
	}
	d := &Descriptor{
		Version:       le.Uint32(b[8:]),
		DiskSignature: le.Uint32(b[12:]),
		KernelLBA:     le.Uint64(b[16:]),
		KernelSectors: le.Uint64(b[24:]),
		KernelSize:    le.Uint64(b[32:]),
		PaddedSectors: le.Uint64(b[40:]),
		ConfigLBA:     le.Uint64(b[48:]),
		ConfigLength:  le.Uint32(b[56:]),
		CoreSectors:   le.Uint32(b[60:]),
		Layout:        getString(b[offLayout:offBootloader]),
		Bootloader:    getString(b[offBootloader:offBootVer]),
		BootVersion:   getString(b[offBootVer : offBootVer+32]),
	}
	copy(d.KernelSHA256[:], b[64:96])
	if d.Version != LayoutVersion {
		return nil, fmt.Errorf("unsupported descriptor version %d", d.Version)
	}
	return d, nil
}

func putString(dst []byte, s string) {
	copy(dst[:len(dst)-1], s)
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
