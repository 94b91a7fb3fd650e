package pebuild

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// The DOS stub prints its message and exits if the image is started from
// real-mode DOS. Loaders only read e_lfanew; the stub is legacy courtesy.
var dosStubCode = []byte{
	0x0E, 0x1F, 0xBA, 0x0E, 0x00, 0xB4, 0x09, 0xCD,
	0x21, 0xB8, 0x01, 0x4C, 0xCD, 0x21,
}

const dosStubMessage = "This program cannot be run in DOS mode.\r\r\n$"

// cursor appends fixed-width little-endian fields to a preallocated image
// buffer. Every header field below is written explicitly, in file order, so
// the serialized layout never depends on Go struct padding.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) u8(v uint8)     { c.buf[c.off] = v; c.off++ }
func (c *cursor) u16(v uint16)   { binary.LittleEndian.PutUint16(c.buf[c.off:], v); c.off += 2 }
func (c *cursor) u32(v uint32)   { binary.LittleEndian.PutUint32(c.buf[c.off:], v); c.off += 4 }
func (c *cursor) u64(v uint64)   { binary.LittleEndian.PutUint64(c.buf[c.off:], v); c.off += 8 }
func (c *cursor) bytes(b []byte) { copy(c.buf[c.off:], b); c.off += len(b) }
func (c *cursor) skip(n int)     { c.off += n }
func (c *cursor) seek(off int)   { c.off = off }

// name padded to the fixed 8-byte section header field.
func (c *cursor) sectionName(name string) {
	var field [8]byte
	copy(field[:], name)
	c.bytes(field[:])
}

// writeImage serializes the finalized layout into a complete in-memory PE
// image: DOS header and stub, PE signature, COFF header, optional header,
// section headers, then each section's raw bytes at its planned file
// offset. The checksum is computed over the finished buffer last.
func writeImage(l *Layout) ([]byte, error) {
	fileSize := l.FileSize()
	c := &cursor{buf: make([]byte, fileSize)}

	// IMAGE_DOS_HEADER: only e_magic and e_lfanew matter to the loader.
	c.u16(0x5A4D) // "MZ"
	c.seek(0x3C)
	c.u32(peSignatureOffset)
	c.bytes(dosStubCode)
	c.bytes([]byte(dosStubMessage))

	c.seek(peSignatureOffset)
	c.u32(0x00004550) // "PE\0\0"

	// COFF file header.
	characteristics := uint16(fileRelocsStripped | fileExecutableImage)
	if l.Machine.Is64Bit() {
		characteristics |= fileLargeAddressAware
	} else {
		characteristics |= file32BitMachine
	}
	if l.DLL {
		characteristics |= fileDLL
	}
	c.u16(uint16(l.Machine))
	c.u16(uint16(len(l.Sections)))
	c.u32(0) // TimeDateStamp: zero for reproducible output
	c.u32(0) // PointerToSymbolTable (deprecated)
	c.u32(0) // NumberOfSymbols (deprecated)
	c.u16(uint16(l.optionalHeaderSize()))
	c.u16(characteristics)

	if err := writeOptionalHeader(c, l); err != nil {
		return nil, err
	}

	for _, s := range l.Sections {
		c.sectionName(s.Name)
		c.u32(s.VirtualSize)
		c.u32(s.VirtualAddress)
		c.u32(s.RawSize)
		c.u32(s.PointerToRawData)
		c.u32(0) // PointerToRelocations
		c.u32(0) // PointerToLinenumbers
		c.u16(0) // NumberOfRelocations
		c.u16(0) // NumberOfLinenumbers
		c.u32(s.Flags)
	}

	for _, s := range l.Sections {
		if s.RawSize == 0 {
			continue
		}
		if int64(s.PointerToRawData)+int64(s.RawSize) > int64(fileSize) {
			return nil, fmt.Errorf("section %s raw range %#x+%#x exceeds file size %#x",
				s.Name, s.PointerToRawData, s.RawSize, fileSize)
		}
		copy(c.buf[s.PointerToRawData:], s.Data)
	}

	checksumOffset := peSignatureOffset + peSignatureSize + coffHeaderSize + 64
	binary.LittleEndian.PutUint32(c.buf[checksumOffset:], computeChecksum(c.buf, checksumOffset))

	return c.buf, nil
}

// writeOptionalHeader emits the PE32 or PE32+ optional header; the two
// differ in magic, field widths and the BaseOfData field PE32+ dropped.
func writeOptionalHeader(c *cursor, l *Layout) error {
	is64 := l.Machine.Is64Bit()

	var sizeOfCode, sizeOfInitData uint32
	var baseOfCode, baseOfData uint32
	for _, s := range l.Sections {
		if s.Flags&scnCntCode != 0 {
			sizeOfCode += s.RawSize
			if baseOfCode == 0 {
				baseOfCode = s.VirtualAddress
			}
		}
		if s.Flags&scnCntInitData != 0 {
			sizeOfInitData += s.RawSize
			if baseOfData == 0 {
				baseOfData = s.VirtualAddress
			}
		}
	}

	if is64 {
		c.u16(0x020B)
	} else {
		c.u16(0x010B)
	}
	c.u8(1) // linker version, nothing reads it
	c.u8(0)
	c.u32(sizeOfCode)
	c.u32(sizeOfInitData)
	c.u32(0) // SizeOfUninitializedData
	c.u32(l.AddressOfEntryPoint)
	c.u32(baseOfCode)
	if is64 {
		c.u64(l.ImageBase)
	} else {
		c.u32(baseOfData)
		c.u32(uint32(l.ImageBase))
	}
	c.u32(l.SectionAlignment)
	c.u32(l.FileAlignment)
	c.u16(6) // MajorOperatingSystemVersion
	c.u16(0)
	c.u16(0) // image version
	c.u16(0)
	c.u16(6) // MajorSubsystemVersion
	c.u16(0)
	c.u32(0) // Win32VersionValue (reserved)
	c.u32(l.SizeOfImage)
	c.u32(l.SizeOfHeaders)
	c.u32(0) // CheckSum, patched after serialization
	c.u16(uint16(l.Subsystem))
	// NX_COMPAT | NO_SEH | TERMINAL_SERVER_AWARE; no DYNAMIC_BASE since
	// the image carries no base relocation table.
	c.u16(0x8500)
	if is64 {
		c.u64(0x100000) // stack reserve
		c.u64(0x1000)   // stack commit
		c.u64(0x100000) // heap reserve
		c.u64(0x1000)   // heap commit
	} else {
		c.u32(0x100000)
		c.u32(0x1000)
		c.u32(0x100000)
		c.u32(0x1000)
	}
	c.u32(0) // LoaderFlags
	c.u32(numDataDirectories)

	dirBase := c.off
	for _, d := range l.Directories {
		if d.Index >= numDataDirectories {
			return fmt.Errorf("data directory index %d out of range", d.Index)
		}
		binary.LittleEndian.PutUint32(c.buf[dirBase+int(d.Index)*8:], d.RVA)
		binary.LittleEndian.PutUint32(c.buf[dirBase+int(d.Index)*8+4:], d.Size)
	}
	c.skip(numDataDirectories * 8)

	return nil
}

// writeImageFile commits a finished image to disk through a temp file in
// the destination directory, renamed into place only on success. A failed
// build never leaves a partial file behind.
func writeImageFile(path string, image []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(image); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Chmod(tmpName, 0755); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}
