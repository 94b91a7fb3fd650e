package pebuild

import "github.com/Velocidex/ordereddict"

// PE structure sizes and fixed offsets.
const (
	dosHeaderSize        = 64
	dosStubSize          = 64
	peSignatureOffset    = dosHeaderSize + dosStubSize // value stored at e_lfanew (0x3C)
	peSignatureSize      = 4
	coffHeaderSize       = 20
	optionalHeader32Size = 224
	optionalHeader64Size = 240
	sectionHeaderSize    = 40
	numDataDirectories   = 16
)

// Defaults for the layout planner.
const (
	DefaultSectionAlignment = 0x1000
	DefaultFileAlignment    = 0x200
	DefaultImageBase64      = 0x140000000
	DefaultImageBase32      = 0x400000

	// The Windows loader refuses images larger than this.
	maxImageSize = 0x77000000
)

// Section characteristics flags.
const (
	scnCntCode     = 0x00000020
	scnCntInitData = 0x00000040
	scnMemExecute  = 0x20000000
	scnMemRead     = 0x40000000
	scnMemWrite    = 0x80000000

	textFlags = scnCntCode | scnMemExecute | scnMemRead
	dataFlags = scnCntInitData | scnMemRead | scnMemWrite
	roFlags   = scnCntInitData | scnMemRead
)

// COFF characteristics flags.
const (
	fileRelocsStripped    = 0x0001
	fileExecutableImage   = 0x0002
	fileLargeAddressAware = 0x0020
	file32BitMachine      = 0x0100
	fileDLL               = 0x2000
)

// Data directory indexes used by the builders.
const (
	dirEntryExport = 0
	dirEntryImport = 1
	dirEntryIAT    = 12
)

// Machine is the COFF target machine type.
type Machine uint16

const (
	MachineI386  Machine = 0x14c
	MachineAMD64 Machine = 0x8664
)

// Is64Bit reports whether the machine uses the PE32+ optional header.
func (m Machine) Is64Bit() bool {
	return m == MachineAMD64
}

func (m Machine) String() string {
	switch m {
	case MachineI386:
		return "386"
	case MachineAMD64:
		return "amd64"
	default:
		return "unknown"
	}
}

// Subsystem selects the Windows subsystem the image runs under.
type Subsystem uint16

const (
	SubsystemGUI     Subsystem = 2
	SubsystemConsole Subsystem = 3
)

// RefKind classifies an unresolved reference site inside the code buffer.
type RefKind string

const (
	// RefCall is an indirect call through an IAT slot (FF /2 with a
	// rel32 displacement on amd64, an absolute address on 386).
	RefCall RefKind = "call"
	// RefLoad is a pointer load from an IAT slot (RIP-relative on amd64).
	RefLoad RefKind = "load"
	// RefRel32 is a PC-relative 32-bit reference to a local label.
	RefRel32 RefKind = "rel32"
	// RefAbs32 is an absolute 32-bit address (ImageBase + RVA).
	RefAbs32 RefKind = "abs32"
	// RefAbs64 is an absolute 64-bit address (ImageBase + RVA).
	RefAbs64 RefKind = "abs64"
)

// Label is a position defined by the assembler inside the code buffer.
type Label struct {
	Name   string `json:"name"`
	Offset uint32 `json:"offset"`
}

// SymbolRef is a patch site inside the code buffer. Offset points at the
// value field itself, not at the instruction opcode. Adjust shifts the
// next-instruction position for PC-relative forms whose displacement field
// is not the final component of the instruction.
type SymbolRef struct {
	Offset uint32  `json:"offset"`
	Symbol string  `json:"symbol"`
	Kind   RefKind `json:"kind"`
	Adjust int32   `json:"adjust,omitempty"`
}

// CodeArtifact is the input contract with the external assembler: a raw
// machine-code buffer plus the labels it defines and the references it
// leaves unresolved.
type CodeArtifact struct {
	Code   []byte
	Labels []Label
	Refs   []SymbolRef
}

// DataArtifact is an optional initialized-data payload. VirtualSize may
// exceed the raw length; the tail is zero-filled at load time.
type DataArtifact struct {
	Data        []byte
	VirtualSize uint32
}

// ExportRequest names a symbol the image offers to other modules.
type ExportRequest struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// BuildConfig is the full configuration surface of one build. Imports maps
// module name to []string of symbol names; an ordered dict keeps the IAT
// slot order identical to the request order.
type BuildConfig struct {
	Machine     Machine
	Subsystem   Subsystem
	DLL         bool
	Entry       string
	ImageName   string
	Code        CodeArtifact
	Data        *DataArtifact
	Imports     *ordereddict.Dict
	Exports     []ExportRequest
	OrdinalBase uint32

	// Zero values select the per-machine defaults.
	ImageBase        uint64
	SectionAlignment uint32
	FileAlignment    uint32

	// Writable+executable sections are rejected unless explicitly allowed.
	AllowWX bool
}

// Section is one logical section before layout: raw bytes, a virtual size
// that may exceed the raw size, and characteristics flags.
type Section struct {
	Name        string
	Data        []byte
	VirtualSize uint32
	Flags       uint32

	// Assigned by the layout planner.
	VirtualAddress   uint32
	PointerToRawData uint32
	RawSize          uint32
}

// IsExecutable reports whether the section is mapped executable.
func (s *Section) IsExecutable() bool { return s.Flags&scnMemExecute != 0 }

// IsWritable reports whether the section is mapped writable.
func (s *Section) IsWritable() bool { return s.Flags&scnMemWrite != 0 }

// DirectoryEntry is one optional-header data directory slot (RVA + size).
type DirectoryEntry struct {
	Index uint16
	RVA   uint32
	Size  uint32
}
