package pebuild

import (
	"fmt"
	"os"
	"strings"

	"github.com/Velocidex/ordereddict"
	pe "www.velocidex.com/golang/go-pe"

	"gopeforge/common"
)

// InspectFile parses an existing PE file and returns an ordered summary of
// its headers and sections. Patterns restrict the section list: names are
// matched exactly, entries ending in '*' match as prefixes. An empty filter
// keeps every section.
// Ispeziona un file PE esistente e ne restituisce un riepilogo ordinato.
func InspectFile(path string, sectionPatterns []string) (*ordereddict.Dict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	peFile, err := pe.NewPEFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	exact, prefixes := splitPatterns(sectionPatterns)

	sections := []*ordereddict.Dict{}
	for _, section := range peFile.Sections {
		name := common.TrimSectionName(section.Name)
		if len(sectionPatterns) > 0 &&
			!common.MatchesPattern(name, exact, prefixes) {
			continue
		}
		sections = append(sections, ordereddict.NewDict().
			Set("name", name).
			Set("perm", section.Perm).
			Set("vma", fmt.Sprintf("0x%X", section.VMA)).
			Set("file_offset", fmt.Sprintf("0x%X", section.FileOffset)))
	}

	// The directory walkers live below the PEFile facade; they are
	// nil-safe on images without import or export tables.
	profile := pe.NewPeProfile()
	ntHeader := profile.IMAGE_DOS_HEADER(f, 0).NTHeader()
	rvaResolver := pe.NewRVAResolver(ntHeader)

	result := ordereddict.NewDict().
		Set("file", path).
		Set("machine", peFile.Machine).
		Set("timestamp", peFile.TimeDateStamp).
		Set("sections", sections).
		Set("imports", pe.GetImports(ntHeader, rvaResolver)).
		Set("exports", pe.GetExports(ntHeader, rvaResolver))

	if peFile.PDB != "" {
		result.Set("pdb", peFile.PDB)
	}
	if len(peFile.VersionInformation) > 0 {
		result.Set("version_information", peFile.VersionInformation)
	}

	return result, nil
}

func splitPatterns(patterns []string) (exact, prefixes []string) {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
		} else {
			exact = append(exact, p)
		}
	}
	return exact, prefixes
}
