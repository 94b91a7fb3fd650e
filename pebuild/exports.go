package pebuild

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const exportDirectorySize = 40

// ExportPlan is the measured export section. Ordinals are assigned
// contiguously from the base in request order; the name pointer table is
// emitted in lexicographic order because loaders binary-search it. A
// misordered table breaks resolution silently at load time, so ordering is
// enforced here rather than left to the caller.
type ExportPlan struct {
	imageName string
	base      uint32
	names     []string // request order == ordinal order
	sorted    []int    // indexes into names, lexicographic by name

	eatOffset     uint32
	namePtrOffset uint32
	ordinalOffset uint32
	imageNameOff  uint32
	nameOffsets   []uint32 // per sorted position
	size          uint32
}

// Empty reports whether the image exports nothing.
func (p *ExportPlan) Empty() bool { return p == nil || len(p.names) == 0 }

// Size is the total byte size of the export section.
func (p *ExportPlan) Size() uint32 { return p.size }

// Ordinal returns the ordinal assigned to the named export.
func (p *ExportPlan) Ordinal(name string) (uint32, bool) {
	for i, n := range p.names {
		if n == name {
			return p.base + uint32(i), true
		}
	}
	return 0, false
}

// PlanExports measures the export section for the given names. Names keep
// their request order for ordinal assignment; a duplicate name is an error
// before anything is emitted.
func PlanExports(names []string, imageName string, base uint32) (*ExportPlan, error) {
	p := &ExportPlan{imageName: imageName, base: base, names: names}
	if len(names) == 0 {
		return p, nil
	}
	if base == 0 {
		p.base = 1
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty export name", ErrDuplicateExport)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExport, name)
		}
		seen[name] = true
	}

	p.sorted = make([]int, len(names))
	for i := range p.sorted {
		p.sorted[i] = i
	}
	sort.Slice(p.sorted, func(a, b int) bool {
		return names[p.sorted[a]] < names[p.sorted[b]]
	})

	n := uint32(len(names))
	p.eatOffset = exportDirectorySize
	p.namePtrOffset = p.eatOffset + n*4
	p.ordinalOffset = p.namePtrOffset + n*4
	p.imageNameOff = p.ordinalOffset + n*2

	offset := p.imageNameOff + uint32(len(imageName)+1)
	p.nameOffsets = make([]uint32, n)
	for i, idx := range p.sorted {
		p.nameOffsets[i] = offset
		offset += uint32(len(names[idx]) + 1)
	}
	p.size = offset
	return p, nil
}

// Emit serializes the export section at its final virtual address. rvas is
// parallel to the planned names (request order): one address table entry
// per ordinal.
func (p *ExportPlan) Emit(sectionRVA uint32, rvas []uint32) ([]byte, error) {
	if p.Empty() {
		return nil, nil
	}
	if len(rvas) != len(p.names) {
		return nil, fmt.Errorf("export address count %d does not match %d planned names",
			len(rvas), len(p.names))
	}
	buf := make([]byte, p.size)
	put32 := func(off, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }

	put32(12, sectionRVA+p.imageNameOff)  // Name
	put32(16, p.base)                     // Base
	put32(20, uint32(len(p.names)))       // NumberOfFunctions
	put32(24, uint32(len(p.names)))       // NumberOfNames
	put32(28, sectionRVA+p.eatOffset)     // AddressOfFunctions
	put32(32, sectionRVA+p.namePtrOffset) // AddressOfNames
	put32(36, sectionRVA+p.ordinalOffset) // AddressOfNameOrdinals

	for i, rva := range rvas {
		put32(p.eatOffset+uint32(i)*4, rva)
	}
	for i, idx := range p.sorted {
		put32(p.namePtrOffset+uint32(i)*4, sectionRVA+p.nameOffsets[i])
		binary.LittleEndian.PutUint16(buf[p.ordinalOffset+uint32(i)*2:], uint16(idx))
		copy(buf[p.nameOffsets[i]:], p.names[idx])
	}
	copy(buf[p.imageNameOff:], p.imageName)

	return buf, nil
}

// Directory returns the export data-directory entry for the emitted section.
func (p *ExportPlan) Directory(sectionRVA uint32) DirectoryEntry {
	return DirectoryEntry{Index: dirEntryExport, RVA: sectionRVA, Size: p.size}
}
