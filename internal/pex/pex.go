// Package pex loads PE32+ images and translates between virtual addresses
// and raw file offsets. Raw offsets are the working addresses of the whole
// pipeline; virtual addresses appear only in output.
package pex

import (
	"bytes"
	"debug/pe"
	"os"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrNotPE     = errors.New("pex: not a PE file")
	ErrNotAMD64  = errors.New("pex: not an AMD64 (PE32+) executable")
	ErrNoSection = errors.New("pex: address outside any section")
)

// Section describes one PE section, reduced to what address translation needs.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	RawOffset      uint32
	RawSize        uint32
	Executable     bool
}

// Image is a PE32+ file read fully into memory, with its sections indexed
// twice: by virtual address and by raw file offset.
type Image struct {
	data     []byte
	entry    uint32 // RVA of the entry point
	sections []Section
	byVA     []int // indexes into sections, sorted by VirtualAddress
	byRaw    []int // indexes into sections, sorted by RawOffset
}

// Open reads the whole file into memory and parses it as a PE32+ image.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "pex: read")
	}
	return New(data)
}

// New parses a PE32+ image from raw bytes.
func New(data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrNotPE, err.Error())
	}
	defer f.Close()

	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		return nil, ErrNotAMD64
	}
	opt, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, ErrNotAMD64
	}

	im := &Image{
		data:  data,
		entry: opt.AddressOfEntryPoint,
	}
	const codeMask = 0x00000020
	for _, s := range f.Sections {
		im.sections = append(im.sections, Section{
			Name:           s.Name,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			RawOffset:      s.Offset,
			RawSize:        s.Size,
			Executable:     s.Characteristics&codeMask != 0,
		})
	}

	im.byVA = make([]int, len(im.sections))
	im.byRaw = make([]int, len(im.sections))
	for i := range im.sections {
		im.byVA[i] = i
		im.byRaw[i] = i
	}
	sort.Slice(im.byVA, func(i, j int) bool {
		return im.sections[im.byVA[i]].VirtualAddress < im.sections[im.byVA[j]].VirtualAddress
	})
	sort.Slice(im.byRaw, func(i, j int) bool {
		return im.sections[im.byRaw[i]].RawOffset < im.sections[im.byRaw[j]].RawOffset
	})
	return im, nil
}

// Data returns the raw file bytes.
func (im *Image) Data() []byte { return im.data }

// Sections returns the parsed section table in file order.
func (im *Image) Sections() []Section { return im.sections }

// EntryPoint returns the raw offset of the executable's entry point.
func (im *Image) EntryPoint() (uint64, error) {
	return im.VirtualToRaw(im.entry)
}

// sectionByVA finds the section containing the given RVA by upper-bound
// search over the VA-sorted index.
func (im *Image) sectionByVA(va uint32) (*Section, error) {
	n := sort.Search(len(im.byVA), func(i int) bool {
		return im.sections[im.byVA[i]].VirtualAddress > va
	})
	if n == 0 {
		return nil, errors.Wrapf(ErrNoSection, "VA %08x", va)
	}
	s := &im.sections[im.byVA[n-1]]
	size := s.VirtualSize
	if size == 0 {
		size = s.RawSize
	}
	if va >= s.VirtualAddress+size {
		return nil, errors.Wrapf(ErrNoSection, "VA %08x", va)
	}
	return s, nil
}

// sectionByRaw finds the section containing the given raw file offset.
func (im *Image) sectionByRaw(addr uint64) (*Section, error) {
	n := sort.Search(len(im.byRaw), func(i int) bool {
		return uint64(im.sections[im.byRaw[i]].RawOffset) > addr
	})
	if n == 0 {
		return nil, errors.Wrapf(ErrNoSection, "raw %#x", addr)
	}
	s := &im.sections[im.byRaw[n-1]]
	if addr >= uint64(s.RawOffset)+uint64(s.RawSize) {
		return nil, errors.Wrapf(ErrNoSection, "raw %#x", addr)
	}
	return s, nil
}

// VirtualToRaw translates an RVA to a raw file offset.
func (im *Image) VirtualToRaw(va uint32) (uint64, error) {
	s, err := im.sectionByVA(va)
	if err != nil {
		return 0, err
	}
	off := va - s.VirtualAddress
	if off >= s.RawSize {
		return 0, errors.Wrapf(ErrNoSection, "VA %08x has no raw backing", va)
	}
	return uint64(s.RawOffset) + uint64(off), nil
}

// RawToVirtual translates a raw file offset to an RVA.
func (im *Image) RawToVirtual(addr uint64) (uint32, error) {
	s, err := im.sectionByRaw(addr)
	if err != nil {
		return 0, err
	}
	return uint32(addr) - s.RawOffset + s.VirtualAddress, nil
}

// SectionBounds returns the raw [start, end) bounds of the section holding addr.
func (im *Image) SectionBounds(addr uint64) (start, end uint64, err error) {
	s, err := im.sectionByRaw(addr)
	if err != nil {
		return 0, 0, err
	}
	return uint64(s.RawOffset), uint64(s.RawOffset) + uint64(s.RawSize), nil
}

// IsExecutable reports whether the section holding addr is marked as code.
func (im *Image) IsExecutable(addr uint64) bool {
	s, err := im.sectionByRaw(addr)
	return err == nil && s.Executable
}
