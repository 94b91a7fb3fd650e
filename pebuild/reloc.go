package pebuild

import (
	"encoding/binary"
	"fmt"
	"math"
)

// resolver maps a symbol name to its final RVA.
type resolver func(symbol string) (uint32, bool)

// applyRelocations patches every reference site in code, which must already
// be a private copy: sites are rewritten in place once the layout has fixed
// all virtual addresses.
//
// Forms: absolute = ImageBase + target RVA; relative = target RVA - (site
// RVA + 4 + adjust), where adjust covers instructions whose displacement
// field is not their final component. A displacement outside the signed
// 32-bit range or an absolute value wider than its field is a hard error,
// never a truncation.
func applyRelocations(code []byte, refs []SymbolRef, resolve resolver,
	is64 bool, imageBase uint64, codeRVA uint32) error {

	for _, ref := range refs {
		target, ok := resolve(ref.Symbol)
		if !ok {
			if ref.Kind == RefCall || ref.Kind == RefLoad {
				return fmt.Errorf("%w: %s at code offset %#x", ErrUnresolvedImport, ref.Symbol, ref.Offset)
			}
			return fmt.Errorf("%w: %s at code offset %#x", ErrUnresolvedSymbol, ref.Symbol, ref.Offset)
		}

		kind := ref.Kind
		if kind == RefCall || kind == RefLoad {
			// IAT references are PC-relative on amd64 and absolute
			// addresses on 386.
			if is64 {
				kind = RefRel32
			} else {
				kind = RefAbs32
			}
		}

		switch kind {
		case RefRel32:
			if err := checkSite(code, ref.Offset, 4); err != nil {
				return err
			}
			next := int64(codeRVA) + int64(ref.Offset) + 4 + int64(ref.Adjust)
			disp := int64(target) - next
			if disp < math.MinInt32 || disp > math.MaxInt32 {
				return fmt.Errorf("%w: %s rel32 displacement %d at code offset %#x",
					ErrRelocationOverflow, ref.Symbol, disp, ref.Offset)
			}
			binary.LittleEndian.PutUint32(code[ref.Offset:], uint32(int32(disp)))

		case RefAbs32:
			if err := checkSite(code, ref.Offset, 4); err != nil {
				return err
			}
			va := imageBase + uint64(target)
			if va > math.MaxUint32 {
				return fmt.Errorf("%w: %s address %#x does not fit 32 bits at code offset %#x",
					ErrRelocationOverflow, ref.Symbol, va, ref.Offset)
			}
			binary.LittleEndian.PutUint32(code[ref.Offset:], uint32(va))

		case RefAbs64:
			if err := checkSite(code, ref.Offset, 8); err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(code[ref.Offset:], imageBase+uint64(target))

		default:
			return fmt.Errorf("unknown reference kind %q at code offset %#x", ref.Kind, ref.Offset)
		}
	}

	return nil
}

func checkSite(code []byte, offset uint32, width int) error {
	if int64(offset)+int64(width) > int64(len(code)) {
		return fmt.Errorf("reference site %#x+%d outside code buffer (%d bytes)",
			offset, width, len(code))
	}
	return nil
}
