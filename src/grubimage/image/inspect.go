package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
)

// Info is what Inspect reads back from an image
type Info struct {
	Path       string      `json:"path"`
	SizeBytes  int64       `json:"size_bytes"`
	Descriptor *Descriptor `json:"descriptor"`
	Config     string      `json:"config"`
	// KernelSHA256 is the checksum recorded at assembly time
	KernelSHA256 string `json:"kernel_sha256"`
	// KernelIntact reports whether the payload still matches KernelSHA256
	KernelIntact bool `json:"kernel_intact"`
}

// Inspect reads the descriptor of the image at path. The descriptor sector
// sits just before the config sectors, which end where the bootable
// partition starts.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.ErrInvalidImage.WithMessagef("cannot open %s", path).WithCause(err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.ErrInvalidImage.WithCause(err)
	}

	mbr := make([]byte, sectorSize)
	if _, err := io.ReadFull(f, mbr); err != nil {
		return nil, errors.ErrInvalidImage.WithMessagef("%s is too small to be a disk image", path)
	}
	if mbr[mbrBootSigOff] != 0x55 || mbr[mbrBootSigOff+1] != 0xAA {
		return nil, errors.ErrInvalidImage.WithMessagef("%s has no boot signature", path)
	}

	start := int64(binary.LittleEndian.Uint32(mbr[mbrPartitionOff+8:]))
	descLBA := start - bootloader.DescriptorSectors - bootloader.ConfigSectors
	if descLBA < 1 {
		return nil, errors.ErrInvalidImage.WithMessagef("%s was not assembled by grubimage", path)
	}
	sector := make([]byte, sectorSize)
	if _, err := f.ReadAt(sector, descLBA*sectorSize); err != nil {
		return nil, errors.ErrInvalidImage.WithMessagef("cannot read descriptor of %s", path).WithCause(err)
	}
	d, err := decodeDescriptor(sector)
	if err != nil {
		return nil, errors.ErrInvalidImage.WithMessagef("%s: %v", path, err)
	}

	info := &Info{
		Path:         path,
		SizeBytes:    st.Size(),
		Descriptor:   d,
		KernelSHA256: hex.EncodeToString(d.KernelSHA256[:]),
	}

	config := make([]byte, d.ConfigLength)
	if _, err := f.ReadAt(config, int64(d.ConfigLBA)*sectorSize); err != nil {
		return nil, errors.ErrInvalidImage.WithMessagef("cannot read boot config of %s", path).WithCause(err)
	}
	info.Config = string(config)

	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, d.KernelOffset(), int64(d.KernelSize))); err == nil {
		info.KernelIntact = bytes.Equal(h.Sum(nil), d.KernelSHA256[:])
	}
	return info, nil
}
