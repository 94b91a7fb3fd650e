package pebuild

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/alecthomas/assert"
)

func testImports(pairs ...interface{}) *ordereddict.Dict {
	dict := ordereddict.NewDict()
	for i := 0; i < len(pairs); i += 2 {
		dict.Set(pairs[i].(string), pairs[i+1].([]string))
	}
	return dict
}

func TestPlanImportsLayout(t *testing.T) {
	plan, err := PlanImports(testImports(
		"kernel32.dll", []string{"ExitProcess", "GetStdHandle"},
		"user32.dll", []string{"MessageBoxA"},
	), true)
	assert.NoError(t, err)

	// Directory table: 2 descriptors + null terminator.
	assert.Equal(t, uint32(60), plan.modules[0].iltOffset)
	// kernel32 ILT: 2 symbols + null = 3 thunks of 8 bytes.
	assert.Equal(t, uint32(84), plan.modules[1].iltOffset)
	// IATs start after both ILTs and mirror their sizes.
	assert.Equal(t, uint32(100), plan.iatOff)
	assert.Equal(t, uint32(40), plan.iatSize)
	assert.Equal(t, plan.modules[0].iatOffset, plan.iatOff)

	// Slots follow request order inside each module.
	exit, ok := plan.SlotRVA(0x2000, "ExitProcess")
	assert.True(t, ok)
	assert.Equal(t, uint32(0x2000+100), exit)
	handle, _ := plan.SlotRVA(0x2000, "GetStdHandle")
	assert.Equal(t, exit+8, handle)
	box, _ := plan.SlotRVA(0x2000, "MessageBoxA")
	assert.Equal(t, uint32(0x2000+124), box)
}

func TestPlanImportsEmit(t *testing.T) {
	const sectionRVA = 0x3000
	plan, err := PlanImports(testImports("kernel32.dll", []string{"ExitProcess"}), true)
	assert.NoError(t, err)

	buf := plan.Emit(sectionRVA)
	assert.Equal(t, int(plan.Size()), len(buf))

	ilt := binary.LittleEndian.Uint32(buf[0:])
	nameRVA := binary.LittleEndian.Uint32(buf[12:])
	iat := binary.LittleEndian.Uint32(buf[16:])
	assert.Equal(t, sectionRVA+plan.modules[0].iltOffset, ilt)
	assert.Equal(t, sectionRVA+plan.modules[0].iatOffset, iat)

	// Terminator descriptor is all zero.
	for i := 20; i < 40; i++ {
		if buf[i] != 0 {
			t.Fatalf("terminator descriptor byte %d = %#x", i, buf[i])
		}
	}

	// ILT and IAT both point at the hint/name entry before loading.
	hintRVA := binary.LittleEndian.Uint64(buf[ilt-sectionRVA:])
	assert.Equal(t, hintRVA, binary.LittleEndian.Uint64(buf[iat-sectionRVA:]))
	hint := uint32(hintRVA) - sectionRVA
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(buf[hint:]))
	assert.True(t, bytes.HasPrefix(buf[hint+2:], []byte("ExitProcess\x00")))

	name := nameRVA - sectionRVA
	assert.True(t, bytes.HasPrefix(buf[name:], []byte("kernel32.dll\x00")))
}

func TestPlanImports32BitThunks(t *testing.T) {
	plan, err := PlanImports(testImports("kernel32.dll", []string{"ExitProcess", "Sleep"}), false)
	assert.NoError(t, err)

	// 2 descriptors * 20, then a 3-thunk ILT of 4-byte entries.
	assert.Equal(t, uint32(40), plan.modules[0].iltOffset)
	assert.Equal(t, uint32(52), plan.iatOff)
	assert.Equal(t, uint32(12), plan.iatSize)

	buf := plan.Emit(0x2000)
	first := binary.LittleEndian.Uint32(buf[52:])
	second := binary.LittleEndian.Uint32(buf[56:])
	if first == 0 || second == 0 {
		t.Fatal("IAT thunks not populated")
	}
}

func TestPlanImportsDirectories(t *testing.T) {
	plan, err := PlanImports(testImports("kernel32.dll", []string{"ExitProcess"}), true)
	assert.NoError(t, err)

	dirs := plan.Directories(0x2000)
	assert.Equal(t, 2, len(dirs))
	assert.Equal(t, uint16(dirEntryImport), dirs[0].Index)
	assert.Equal(t, uint32(0x2000), dirs[0].RVA)
	assert.Equal(t, uint32(40), dirs[0].Size)
	assert.Equal(t, uint16(dirEntryIAT), dirs[1].Index)
	assert.Equal(t, uint32(0x2000)+plan.iatOff, dirs[1].RVA)
	assert.Equal(t, plan.iatSize, dirs[1].Size)
}

func TestPlanImportsDuplicateSymbol(t *testing.T) {
	_, err := PlanImports(testImports(
		"kernel32.dll", []string{"ExitProcess"},
		"kernelbase.dll", []string{"ExitProcess"},
	), true)
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("want ErrDuplicateSymbol, got %v", err)
	}
}

func TestPlanImportsEmpty(t *testing.T) {
	plan, err := PlanImports(nil, true)
	assert.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, uint32(0), plan.Size())
	if plan.Emit(0x1000) != nil {
		t.Fatal("empty plan must emit nothing")
	}
	if plan.Directories(0x1000) != nil {
		t.Fatal("empty plan must claim no directories")
	}
}
