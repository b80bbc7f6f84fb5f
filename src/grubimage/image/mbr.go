package image

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/google/uuid"
)

// MBR field offsets
const (
	mbrBootCodeSize  = 440
	mbrSignatureOff  = 440
	mbrPartitionOff  = 446
	mbrBootSigOff    = 510
	partitionActive  = 0x80
	partitionTypeRaw = 0xDA // non-filesystem data
)

// signatureNamespace seeds name-based disk signatures
var signatureNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/bitswalk/grubimage"))

// mbrLayout is a BIOS disk: MBR boot code at LBA 0, the bootloader core from
// LBA 1, descriptor and config sectors at the end of the reserved region and
// the kernel right after it, covered by the only partition.
type mbrLayout struct{}

func (mbrLayout) Type() string {
	return bootloader.LayoutMBR
}

func (mbrLayout) Plan(in Input) (*Descriptor, error) {
	spec := in.Bootloader.Layout
	reserved := spec.ReservedSectors()
	alignment := spec.Alignment
	if alignment <= 0 {
		alignment = sectorSize
	}

	coreSectors := ceilDiv(in.Bootloader.SizeBytes, sectorSize)
	if avail := spec.DescriptorLBA() - 1; coreSectors > avail {
		return nil, errors.ErrLayoutOverflow.WithMessagef(
			"%s core is %d sectors, the reserved region has room for %d", in.Bootloader.Name, coreSectors, avail)
	}

	size := in.Kernel.SizeBytes
	padded := alignUp(size, alignment)
	sum, err := hex.DecodeString(in.Kernel.Checksum)
	if err != nil || len(sum) != 32 {
		return nil, errors.ErrInternal.WithMessagef("kernel checksum %q is not a sha256", in.Kernel.Checksum)
	}

	d := &Descriptor{
		Version:       LayoutVersion,
		Layout:        bootloader.LayoutMBR,
		DiskSignature: diskSignature(in),
		KernelLBA:     uint64(reserved),
		KernelSectors: uint64(ceilDiv(size, sectorSize)),
		KernelSize:    uint64(size),
		PaddedSectors: uint64(padded / sectorSize),
		CoreSectors:   uint32(coreSectors),
		ConfigLBA:     uint64(spec.ConfigLBA()),
		Bootloader:    in.Bootloader.Name,
		BootVersion:   in.Bootloader.Version,
	}
	copy(d.KernelSHA256[:], sum)
	return d, nil
}

func (mbrLayout) Write(w io.WriterAt, in Input, d *Descriptor, config []byte) error {
	if len(config) > bootloader.ConfigSectors*sectorSize {
		return errors.ErrLayoutOverflow.WithMessagef("boot config is %d bytes, %d fit", len(config), bootloader.ConfigSectors*sectorSize)
	}

	bootCode := in.Bootloader.BootSectorPath
	if bootCode == "" {
		bootCode = in.Bootloader.BinaryPath
	}
	code, err := readHead(bootCode, mbrBootCodeSize)
	if err != nil {
		return errors.ErrIOFailure.WithMessagef("cannot read boot code from %s", bootCode).WithCause(err)
	}

	mbr := buildMBR(code, d)
	if _, err := w.WriteAt(mbr[:], 0); err != nil {
		return ioError(err)
	}
	if err := copyAt(w, in.Bootloader.BinaryPath, sectorSize); err != nil {
		return err
	}
	desc := d.encode()
	if _, err := w.WriteAt(desc[:], int64(d.ConfigLBA-1)*sectorSize); err != nil {
		return ioError(err)
	}
	if _, err := w.WriteAt(config, int64(d.ConfigLBA)*sectorSize); err != nil {
		return ioError(err)
	}
	return copyAt(w, in.Kernel.BinaryPath, d.KernelOffset())
}

func buildMBR(code []byte, d *Descriptor) [sectorSize]byte {
	var b [sectorSize]byte
	copy(b[:mbrBootCodeSize], code)
	binary.LittleEndian.PutUint32(b[mbrSignatureOff:], d.DiskSignature)

	p := b[mbrPartitionOff : mbrPartitionOff+16]
	start := uint32(d.KernelLBA)
	count := uint32(d.PaddedSectors)
	p[0] = partitionActive
	copy(p[1:4], chs(start))
	p[4] = partitionTypeRaw
	copy(p[5:8], chs(start+count-1))
	binary.LittleEndian.PutUint32(p[8:], start)
	binary.LittleEndian.PutUint32(p[12:], count)

	b[mbrBootSigOff] = 0x55
	b[mbrBootSigOff+1] = 0xAA
	return b
}

// chs encodes lba with the conventional 255 heads / 63 sectors geometry
func chs(lba uint32) []byte {
	const heads, sectors = 255, 63
	if lba >= 1024*heads*sectors {
		return []byte{0xFE, 0xFF, 0xFF}
	}
	c := lba / (heads * sectors)
	h := (lba / sectors) % heads
	s := lba%sectors + 1
	return []byte{byte(h), byte(s&0x3F) | byte((c>>2)&0xC0), byte(c)}
}

// diskSignature derives the MBR disk signature from the image contents so
// that identical inputs produce identical images.
func diskSignature(in Input) uint32 {
	name := in.Kernel.Checksum + ":" + in.Bootloader.Checksum
	id := uuid.NewSHA1(signatureNamespace, []byte(name))
	sig := binary.LittleEndian.Uint32(id[:4])
	if sig == 0 {
		sig = 1
	}
	return sig
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:m], nil
}

func copyAt(w io.WriterAt, path string, off int64) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.ErrIOFailure.WithMessagef("cannot read %s", path).WithCause(err)
	}
	defer f.Close()
	if _, err := io.Copy(io.NewOffsetWriter(w, off), f); err != nil {
		return ioError(err)
	}
	return nil
}

func ioError(err error) error {
	return errors.ErrIOFailure.WithMessagef("disk image write failed: %v", err).WithCause(err)
}

func ceilDiv(n, d int64) int64 {
	return (n + d - 1) / d
}

func alignUp(n, a int64) int64 {
	return ceilDiv(n, a) * a
}
