package pebuild

import (
	"fmt"

	"github.com/rs/zerolog"

	"gopeforge/common"
)

// Builder runs the encoding pipeline for one image: layout, import and
// export tables, relocation, serialization. Stages run strictly in that
// order since each consumes addresses the previous one fixed; inputs are
// owned and never mutated, so independent builders can run concurrently.
type Builder struct {
	cfg *BuildConfig
	log zerolog.Logger
}

// BuildOutput carries the finished in-memory image plus everything a caller
// needs to report on it.
type BuildOutput struct {
	Image   []byte
	Layout  *Layout
	Results []*common.OperationResult
}

// Summary returns the human-readable per-stage build report.
func (o *BuildOutput) Summary() string {
	return common.FormatBuildSummary("Build summary:", o.Results)
}

func NewBuilder(cfg *BuildConfig, logger zerolog.Logger) *Builder {
	return &Builder{cfg: cfg, log: logger}
}

// Build runs the pipeline and returns the complete image. Any stage failure
// aborts the whole build; no partial output is ever returned.
// Build: esegue la pipeline e produce l'immagine PE completa in memoria
func (b *Builder) Build() (*BuildOutput, error) {
	cfg := b.cfg
	if err := b.validate(); err != nil {
		return nil, err
	}

	labels, err := collectLabels(cfg.Code.Labels)
	if err != nil {
		return nil, err
	}

	importPlan, err := PlanImports(cfg.Imports, cfg.Machine.Is64Bit())
	if err != nil {
		return nil, err
	}
	exportNames := make([]string, len(cfg.Exports))
	for i, e := range cfg.Exports {
		exportNames[i] = e.Name
	}
	imageName := cfg.ImageName
	if imageName == "" {
		imageName = "image.exe"
		if cfg.DLL {
			imageName = "image.dll"
		}
	}
	exportPlan, err := PlanExports(exportNames, imageName, cfg.OrdinalBase)
	if err != nil {
		return nil, err
	}

	// The code section gets a private copy: the relocation resolver
	// patches it in place, and the caller's artifact stays untouched.
	code := make([]byte, len(cfg.Code.Code))
	copy(code, cfg.Code.Code)

	text := &Section{Name: ".text", Data: code, Flags: textFlags}
	sections := []*Section{text}

	var data *Section
	if cfg.Data != nil && (len(cfg.Data.Data) > 0 || cfg.Data.VirtualSize > 0) {
		data = &Section{
			Name:        ".data",
			Data:        cfg.Data.Data,
			VirtualSize: cfg.Data.VirtualSize,
			Flags:       dataFlags,
		}
		sections = append(sections, data)
	}

	var idata, edata *Section
	if !importPlan.Empty() {
		idata = &Section{Name: ".idata", Data: make([]byte, importPlan.Size()), Flags: roFlags}
		sections = append(sections, idata)
	}
	if !exportPlan.Empty() {
		edata = &Section{Name: ".edata", Data: make([]byte, exportPlan.Size()), Flags: roFlags}
		sections = append(sections, edata)
	}

	layout, err := PlanLayout(cfg, sections)
	if err != nil {
		return nil, err
	}
	results := []*common.OperationResult{
		common.NewApplied("layout", fmt.Sprintf("image size %#x, headers %#x",
			layout.SizeOfImage, layout.SizeOfHeaders), len(sections)),
	}
	for _, s := range layout.Sections {
		b.log.Debug().
			Str("section", s.Name).
			Uint32("va", s.VirtualAddress).
			Uint32("raw_offset", s.PointerToRawData).
			Uint32("raw_size", s.RawSize).
			Msg("section placed")
	}

	// Symbol resolution: code labels first, then IAT slots. A name living
	// in both is ambiguous for the relocation resolver.
	resolve := func(symbol string) (uint32, bool) {
		if off, ok := labels[symbol]; ok {
			return text.VirtualAddress + off, true
		}
		if idata != nil {
			return importPlan.SlotRVA(idata.VirtualAddress, symbol)
		}
		return 0, false
	}
	for name := range labels {
		if importPlan.HasSymbol(name) {
			return nil, fmt.Errorf("%w: %s is both a code label and an import", ErrDuplicateSymbol, name)
		}
	}

	if idata != nil {
		idata.Data = importPlan.Emit(idata.VirtualAddress)
		layout.Directories = append(layout.Directories, importPlan.Directories(idata.VirtualAddress)...)
		results = append(results, common.NewApplied("imports",
			fmt.Sprintf("%d modules", len(importPlan.modules)), len(importPlan.slots)))
	} else {
		results = append(results, common.NewSkipped("imports", "no imports requested"))
	}

	if edata != nil {
		rvas := make([]uint32, len(cfg.Exports))
		for i, e := range cfg.Exports {
			rva, ok := resolve(e.Symbol)
			if !ok {
				return nil, fmt.Errorf("%w: export %s references %s", ErrUnresolvedSymbol, e.Name, e.Symbol)
			}
			rvas[i] = rva
		}
		edata.Data, err = exportPlan.Emit(edata.VirtualAddress, rvas)
		if err != nil {
			return nil, err
		}
		layout.Directories = append(layout.Directories, exportPlan.Directory(edata.VirtualAddress))
		results = append(results, common.NewApplied("exports", imageName, len(cfg.Exports)))
	} else {
		results = append(results, common.NewSkipped("exports", "no exports requested"))
	}

	if err := applyRelocations(code, cfg.Code.Refs, resolve,
		cfg.Machine.Is64Bit(), layout.ImageBase, text.VirtualAddress); err != nil {
		return nil, err
	}
	if len(cfg.Code.Refs) > 0 {
		results = append(results, common.NewApplied("relocations", "code patched", len(cfg.Code.Refs)))
	} else {
		results = append(results, common.NewSkipped("relocations", "no reference sites"))
	}

	entryRVA, err := b.entryPoint(labels, text)
	if err != nil {
		return nil, err
	}
	layout.AddressOfEntryPoint = entryRVA

	image, err := writeImage(layout)
	if err != nil {
		return nil, err
	}
	results = append(results, common.NewApplied("write",
		fmt.Sprintf("%d bytes, checksum set", len(image)), 0))
	b.log.Debug().Int("size", len(image)).Uint32("entry", entryRVA).Msg("image serialized")

	return &BuildOutput{Image: image, Layout: layout, Results: results}, nil
}

// BuildFile runs Build and commits the image to path atomically.
// BuildFile: costruisce l'immagine e la scrive su disco in modo atomico
func (b *Builder) BuildFile(path string) (*BuildOutput, error) {
	out, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := VerifyImage(out.Image, out.Layout); err != nil {
		return nil, err
	}
	out.Results = append(out.Results, common.NewApplied("verify",
		"image re-parsed cleanly", len(out.Layout.Sections)))
	if err := writeImageFile(path, out.Image); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Builder) validate() error {
	cfg := b.cfg
	if len(cfg.Code.Code) == 0 {
		return fmt.Errorf("%w: empty code buffer", ErrLayout)
	}
	if cfg.Machine != MachineAMD64 && cfg.Machine != MachineI386 {
		return fmt.Errorf("%w: unsupported machine %#x", ErrLayout, uint16(cfg.Machine))
	}
	if cfg.Subsystem == 0 {
		cfg.Subsystem = SubsystemConsole
	}
	if cfg.Subsystem != SubsystemConsole && cfg.Subsystem != SubsystemGUI {
		return fmt.Errorf("%w: unsupported subsystem %d", ErrLayout, uint16(cfg.Subsystem))
	}
	if cfg.Entry == "" && !cfg.DLL {
		return fmt.Errorf("%w: executable image needs an entry symbol", ErrLayout)
	}
	return nil
}

// entryPoint resolves the entry symbol to an RVA inside the code section.
// A DLL may omit the entry symbol; its entry point is then zero.
func (b *Builder) entryPoint(labels map[string]uint32, text *Section) (uint32, error) {
	if b.cfg.Entry == "" {
		return 0, nil
	}
	off, ok := labels[b.cfg.Entry]
	if !ok {
		return 0, fmt.Errorf("%w: entry symbol %s", ErrUnresolvedSymbol, b.cfg.Entry)
	}
	rva := text.VirtualAddress + off
	if off >= text.VirtualSize {
		return 0, fmt.Errorf("%w: entry point %#x outside code section", ErrLayout, rva)
	}
	return rva, nil
}

func collectLabels(labels []Label) (map[string]uint32, error) {
	m := make(map[string]uint32, len(labels))
	for _, l := range labels {
		if _, ok := m[l.Name]; ok {
			return nil, fmt.Errorf("%w: label %s", ErrDuplicateSymbol, l.Name)
		}
		m[l.Name] = l.Offset
	}
	return m, nil
}
