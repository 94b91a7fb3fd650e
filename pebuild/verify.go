package pebuild

import (
	"bytes"
	"fmt"

	pe "www.velocidex.com/golang/go-pe"

	"gopeforge/common"
)

// VerifyImage re-parses a finished image with an independent PE reader and
// checks that the section table round-trips against the planned layout.
// Verifica l'immagine rileggendola con un parser PE indipendente.
func VerifyImage(image []byte, layout *Layout) error {
	peFile, err := pe.NewPEFile(bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerify, err)
	}

	if len(peFile.Sections) != len(layout.Sections) {
		return fmt.Errorf("%w: parsed %d sections, planned %d",
			ErrVerify, len(peFile.Sections), len(layout.Sections))
	}

	for i, parsed := range peFile.Sections {
		planned := layout.Sections[i]
		if name := common.TrimSectionName(parsed.Name); name != planned.Name {
			return fmt.Errorf("%w: section %d named %q, planned %q",
				ErrVerify, i, name, planned.Name)
		}
		if uint32(parsed.VMA) != planned.VirtualAddress {
			return fmt.Errorf("%w: section %s at RVA 0x%X, planned 0x%X",
				ErrVerify, planned.Name, parsed.VMA, planned.VirtualAddress)
		}
		if uint32(parsed.FileOffset) != planned.PointerToRawData {
			return fmt.Errorf("%w: section %s at file offset 0x%X, planned 0x%X",
				ErrVerify, planned.Name, parsed.FileOffset, planned.PointerToRawData)
		}
		if planned.IsExecutable() && !hasPerm(parsed.Perm, 'x') {
			return fmt.Errorf("%w: section %s lost execute permission (%s)",
				ErrVerify, planned.Name, parsed.Perm)
		}
		if planned.IsWritable() && !hasPerm(parsed.Perm, 'w') {
			return fmt.Errorf("%w: section %s lost write permission (%s)",
				ErrVerify, planned.Name, parsed.Perm)
		}
	}

	return nil
}

func hasPerm(perm string, flag rune) bool {
	for _, c := range perm {
		if c == flag {
			return true
		}
	}
	return false
}
