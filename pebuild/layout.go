package pebuild

import (
	"fmt"

	"gopeforge/common"
)

// Layout holds every address decision for one image: the placed sections in
// virtual-address order plus the header sizes derived from them. It is
// produced once by PlanLayout and consumed read-only by the later stages.
type Layout struct {
	Machine   Machine
	Subsystem Subsystem
	DLL       bool

	ImageBase        uint64
	SectionAlignment uint32
	FileAlignment    uint32

	Sections []*Section

	SizeOfHeaders uint32
	SizeOfImage   uint32

	AddressOfEntryPoint uint32
	Directories         []DirectoryEntry
}

// optionalHeaderSize returns the size the COFF header advertises for the
// optional header, which differs between PE32 and PE32+.
func (l *Layout) optionalHeaderSize() uint32 {
	if l.Machine.Is64Bit() {
		return optionalHeader64Size
	}
	return optionalHeader32Size
}

// headersEnd is the unaligned end of the header region.
func (l *Layout) headersEnd() uint32 {
	return peSignatureOffset + peSignatureSize + coffHeaderSize +
		l.optionalHeaderSize() + uint32(len(l.Sections))*sectionHeaderSize
}

// SectionByName returns the placed section with the given name, or nil.
func (l *Layout) SectionByName(name string) *Section {
	for _, s := range l.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// FileSize is the total size of the serialized image on disk.
func (l *Layout) FileSize() uint32 {
	size := l.SizeOfHeaders
	for _, s := range l.Sections {
		if end := s.PointerToRawData + s.RawSize; end > size {
			size = end
		}
	}
	return size
}

// PlanLayout assigns a virtual address and a file offset to every section,
// each aligned up from the previous section's end, and derives SizeOfImage
// and SizeOfHeaders. Sections keep their input order; the input slices are
// not modified.
func PlanLayout(cfg *BuildConfig, sections []*Section) (*Layout, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no sections to lay out", ErrLayout)
	}

	l := &Layout{
		Machine:          cfg.Machine,
		Subsystem:        cfg.Subsystem,
		DLL:              cfg.DLL,
		ImageBase:        cfg.ImageBase,
		SectionAlignment: cfg.SectionAlignment,
		FileAlignment:    cfg.FileAlignment,
	}
	if l.SectionAlignment == 0 {
		l.SectionAlignment = DefaultSectionAlignment
	}
	if l.FileAlignment == 0 {
		l.FileAlignment = DefaultFileAlignment
	}
	if l.ImageBase == 0 {
		if cfg.Machine.Is64Bit() {
			l.ImageBase = DefaultImageBase64
		} else {
			l.ImageBase = DefaultImageBase32
		}
	}
	if !isPowerOfTwo(l.SectionAlignment) || !isPowerOfTwo(l.FileAlignment) {
		return nil, fmt.Errorf("%w: alignments must be powers of two (section %#x, file %#x)",
			ErrLayout, l.SectionAlignment, l.FileAlignment)
	}
	if l.FileAlignment < 0x200 || l.FileAlignment > 0x10000 {
		return nil, fmt.Errorf("%w: file alignment %#x outside the loader's 0x200-0x10000 range",
			ErrLayout, l.FileAlignment)
	}
	if l.FileAlignment > l.SectionAlignment {
		return nil, fmt.Errorf("%w: file alignment %#x exceeds section alignment %#x",
			ErrLayout, l.FileAlignment, l.SectionAlignment)
	}
	if l.ImageBase%0x10000 != 0 {
		return nil, fmt.Errorf("%w: image base %#x not 64KB aligned", ErrLayout, l.ImageBase)
	}

	for _, s := range sections {
		if len(s.Name) == 0 || len(s.Name) > 8 {
			return nil, fmt.Errorf("%w: section name %q must be 1-8 bytes", ErrLayout, s.Name)
		}
		if s.IsExecutable() && s.IsWritable() && !cfg.AllowWX {
			return nil, fmt.Errorf("%w: section %s is writable and executable", ErrLayout, s.Name)
		}
		if s.VirtualSize < uint32(len(s.Data)) {
			s.VirtualSize = uint32(len(s.Data))
		}
		if s.VirtualSize == 0 {
			return nil, fmt.Errorf("%w: section %s is empty", ErrLayout, s.Name)
		}
	}
	l.Sections = sections

	l.SizeOfHeaders = common.Align(l.headersEnd(), l.FileAlignment)

	// First section lands on the first section-aligned address past the
	// headers; each later one follows the aligned end of its predecessor.
	// Addresses accumulate in 64 bits so an oversized virtual size cannot
	// wrap past 2^32 and slip under the image-size cap.
	alignment := uint64(l.SectionAlignment)
	va := uint64(common.Align(l.SizeOfHeaders, l.SectionAlignment))
	raw := l.SizeOfHeaders
	for _, s := range l.Sections {
		s.VirtualAddress = uint32(va)
		s.PointerToRawData = raw
		s.RawSize = common.Align(uint32(len(s.Data)), l.FileAlignment)
		if s.RawSize == 0 {
			// Purely virtual section (zero-filled at load time).
			s.PointerToRawData = 0
		}

		va += (uint64(s.VirtualSize) + alignment - 1) &^ (alignment - 1)
		raw += s.RawSize
		if va > maxImageSize {
			return nil, fmt.Errorf("%w: image size %#x exceeds loader maximum %#x",
				ErrLayout, va, uint32(maxImageSize))
		}
	}
	l.SizeOfImage = uint32(va)

	return l, nil
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}
