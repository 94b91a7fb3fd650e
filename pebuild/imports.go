package pebuild

import (
	"encoding/binary"
	"fmt"

	"github.com/Velocidex/ordereddict"
)

const importDescriptorSize = 20

// importModule is one DLL and the offsets of its tables relative to the
// start of the import section.
type importModule struct {
	name        string
	symbols     []string
	iltOffset   uint32
	iatOffset   uint32
	nameOffset  uint32
	hintOffsets []uint32
}

// ImportPlan is the fully measured import section before emission. Offsets
// are relative so the plan can be produced before the layout planner fixes
// the section's virtual address.
//
// Section layout, in order: Import Directory Table (one descriptor per
// module plus a null terminator), all Import Lookup Tables, all Import
// Address Tables (contiguous, so the IAT data directory covers one range),
// hint/name entries, module name strings.
type ImportPlan struct {
	is64    bool
	modules []importModule
	slots   map[string]uint32 // symbol -> IAT slot offset in section
	iatOff  uint32
	iatSize uint32
	size    uint32
}

func (p *ImportPlan) thunkSize() uint32 {
	if p.is64 {
		return 8
	}
	return 4
}

// Empty reports whether there is nothing to import.
func (p *ImportPlan) Empty() bool { return p == nil || len(p.modules) == 0 }

// Size is the total byte size of the import section.
func (p *ImportPlan) Size() uint32 { return p.size }

// SlotRVA returns the RVA of the IAT slot for symbol once the section's
// virtual address is known.
func (p *ImportPlan) SlotRVA(sectionRVA uint32, symbol string) (uint32, bool) {
	off, ok := p.slots[symbol]
	if !ok {
		return 0, false
	}
	return sectionRVA + off, true
}

// HasSymbol reports whether any module provides the symbol.
func (p *ImportPlan) HasSymbol(symbol string) bool {
	if p == nil {
		return false
	}
	_, ok := p.slots[symbol]
	return ok
}

// PlanImports measures the import section for the requested modules. The
// ordered dict maps module name to []string of symbol names; insertion
// order is preserved so IAT slots line up with the caller's patch sites.
func PlanImports(imports *ordereddict.Dict, is64 bool) (*ImportPlan, error) {
	p := &ImportPlan{is64: is64, slots: make(map[string]uint32)}
	if imports == nil || imports.Len() == 0 {
		return p, nil
	}

	for _, moduleName := range imports.Keys() {
		raw, _ := imports.Get(moduleName)
		symbols, ok := raw.([]string)
		if !ok {
			return nil, fmt.Errorf("module %s: symbol list has type %T, want []string", moduleName, raw)
		}
		if len(symbols) == 0 {
			return nil, fmt.Errorf("module %s: no symbols requested", moduleName)
		}
		p.modules = append(p.modules, importModule{name: moduleName, symbols: symbols})
	}

	// Directory table, then one lookup table per module.
	offset := uint32(len(p.modules)+1) * importDescriptorSize
	for i := range p.modules {
		p.modules[i].iltOffset = offset
		offset += uint32(len(p.modules[i].symbols)+1) * p.thunkSize()
	}

	// Address tables, contiguous across modules.
	p.iatOff = offset
	for i := range p.modules {
		m := &p.modules[i]
		m.iatOffset = offset
		for j, symbol := range m.symbols {
			if _, seen := p.slots[symbol]; seen {
				return nil, fmt.Errorf("%w: import %s requested from more than one module",
					ErrDuplicateSymbol, symbol)
			}
			p.slots[symbol] = offset + uint32(j)*p.thunkSize()
		}
		offset += uint32(len(m.symbols)+1) * p.thunkSize()
	}
	p.iatSize = offset - p.iatOff

	// Hint/name entries: hint word, name, terminator, padded to 2 bytes.
	for i := range p.modules {
		m := &p.modules[i]
		m.hintOffsets = make([]uint32, len(m.symbols))
		for j, symbol := range m.symbols {
			m.hintOffsets[j] = offset
			entry := uint32(2 + len(symbol) + 1)
			offset += entry + entry%2
		}
	}

	for i := range p.modules {
		p.modules[i].nameOffset = offset
		offset += uint32(len(p.modules[i].name) + 1)
	}

	p.size = offset
	return p, nil
}

// Emit serializes the import section at its final virtual address. The IAT
// thunks carry the same hint/name RVAs as the lookup tables; the loader
// overwrites them with resolved addresses at load time.
func (p *ImportPlan) Emit(sectionRVA uint32) []byte {
	if p.Empty() {
		return nil
	}
	buf := make([]byte, p.size)

	put32 := func(off, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	putThunk := func(off, v uint32) {
		if p.is64 {
			binary.LittleEndian.PutUint64(buf[off:], uint64(v))
		} else {
			binary.LittleEndian.PutUint32(buf[off:], v)
		}
	}

	for i, m := range p.modules {
		desc := uint32(i) * importDescriptorSize
		put32(desc, sectionRVA+m.iltOffset)     // OriginalFirstThunk
		put32(desc+4, 0)                        // TimeDateStamp
		put32(desc+8, 0)                        // ForwarderChain
		put32(desc+12, sectionRVA+m.nameOffset) // Name
		put32(desc+16, sectionRVA+m.iatOffset)  // FirstThunk

		for j := range m.symbols {
			hintRVA := sectionRVA + m.hintOffsets[j]
			putThunk(m.iltOffset+uint32(j)*p.thunkSize(), hintRVA)
			putThunk(m.iatOffset+uint32(j)*p.thunkSize(), hintRVA)
		}
		// Thunk lists are already null-terminated: the buffer is zeroed.

		for j, symbol := range m.symbols {
			off := m.hintOffsets[j]
			binary.LittleEndian.PutUint16(buf[off:], 0) // hint: resolve by name
			copy(buf[off+2:], symbol)
		}
		copy(buf[m.nameOffset:], m.name)
	}

	return buf
}

// Directories returns the import and IAT data-directory entries for the
// emitted section.
func (p *ImportPlan) Directories(sectionRVA uint32) []DirectoryEntry {
	if p.Empty() {
		return nil
	}
	return []DirectoryEntry{
		{Index: dirEntryImport, RVA: sectionRVA, Size: uint32(len(p.modules)+1) * importDescriptorSize},
		{Index: dirEntryIAT, RVA: sectionRVA + p.iatOff, Size: p.iatSize},
	}
}
