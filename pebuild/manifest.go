package pebuild

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Velocidex/ordereddict"
)

// The manifest is the on-disk form of BuildConfig: it names the assembled
// payload files and carries the symbol tables the assembler produced.
// Import modules are a JSON array, not an object, because slot order is
// contractual and JSON objects do not preserve it.
type manifestFile struct {
	Machine          string           `json:"machine"`
	Subsystem        string           `json:"subsystem"`
	DLL              bool             `json:"dll"`
	Entry            string           `json:"entry"`
	ImageName        string           `json:"image_name"`
	ImageBase        uint64           `json:"image_base"`
	SectionAlignment uint32           `json:"section_alignment"`
	FileAlignment    uint32           `json:"file_alignment"`
	AllowWX          bool             `json:"allow_wx"`
	OrdinalBase      uint32           `json:"ordinal_base"`
	Code             manifestCode     `json:"code"`
	Data             *manifestData    `json:"data"`
	Imports          []manifestImport `json:"imports"`
	Exports          []ExportRequest  `json:"exports"`
}

type manifestCode struct {
	File   string      `json:"file"`
	Labels []Label     `json:"labels"`
	Refs   []SymbolRef `json:"refs"`
}

type manifestData struct {
	File        string `json:"file"`
	VirtualSize uint32 `json:"virtual_size"`
}

type manifestImport struct {
	Module  string   `json:"module"`
	Symbols []string `json:"symbols"`
}

// LoadManifest reads a build manifest and the payload files it names
// (resolved relative to the manifest's directory) into a BuildConfig.
func LoadManifest(path string) (*BuildConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifestFile
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	cfg := &BuildConfig{
		DLL:              m.DLL,
		Entry:            m.Entry,
		ImageName:        m.ImageName,
		ImageBase:        m.ImageBase,
		SectionAlignment: m.SectionAlignment,
		FileAlignment:    m.FileAlignment,
		AllowWX:          m.AllowWX,
		OrdinalBase:      m.OrdinalBase,
		Exports:          m.Exports,
	}

	switch m.Machine {
	case "", "amd64", "x86_64":
		cfg.Machine = MachineAMD64
	case "386", "x86":
		cfg.Machine = MachineI386
	default:
		return nil, fmt.Errorf("unsupported machine %q", m.Machine)
	}

	switch m.Subsystem {
	case "", "console":
		cfg.Subsystem = SubsystemConsole
	case "gui":
		cfg.Subsystem = SubsystemGUI
	default:
		return nil, fmt.Errorf("unsupported subsystem %q", m.Subsystem)
	}

	dir := filepath.Dir(path)
	if m.Code.File == "" {
		return nil, fmt.Errorf("manifest %s: missing code file", path)
	}
	code, err := os.ReadFile(filepath.Join(dir, m.Code.File))
	if err != nil {
		return nil, fmt.Errorf("failed to read code payload: %w", err)
	}
	cfg.Code = CodeArtifact{Code: code, Labels: m.Code.Labels, Refs: m.Code.Refs}

	if m.Data != nil {
		var data []byte
		if m.Data.File != "" {
			data, err = os.ReadFile(filepath.Join(dir, m.Data.File))
			if err != nil {
				return nil, fmt.Errorf("failed to read data payload: %w", err)
			}
		}
		cfg.Data = &DataArtifact{Data: data, VirtualSize: m.Data.VirtualSize}
	}

	if len(m.Imports) > 0 {
		dict := ordereddict.NewDict()
		for _, imp := range m.Imports {
			if imp.Module == "" {
				return nil, fmt.Errorf("manifest %s: import with empty module name", path)
			}
			if _, exists := dict.Get(imp.Module); exists {
				return nil, fmt.Errorf("manifest %s: module %s listed twice", path, imp.Module)
			}
			dict.Set(imp.Module, imp.Symbols)
		}
		cfg.Imports = dict
	}

	return cfg, nil
}
