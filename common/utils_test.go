package common

import (
	"strings"
	"testing"
)

func TestAlign(t *testing.T) {
	cases := []struct {
		size, alignment, want uint32
	}{
		{0, 0x200, 0},
		{1, 0x200, 0x200},
		{0x200, 0x200, 0x200},
		{0x201, 0x200, 0x400},
		{0x1234, 0x1000, 0x2000},
	}
	for _, c := range cases {
		if got := Align(c.size, c.alignment); got != c.want {
			t.Errorf("Align(%#x, %#x) = %#x, want %#x", c.size, c.alignment, got, c.want)
		}
	}
}

func TestTrimSectionName(t *testing.T) {
	if got := TrimSectionName(".text\x00\x00\x00"); got != ".text" {
		t.Errorf("TrimSectionName = %q", got)
	}
	if got := TrimSectionName(".rsrc"); got != ".rsrc" {
		t.Errorf("TrimSectionName = %q", got)
	}
}

func TestMatchesPattern(t *testing.T) {
	exact := []string{".text", ".data"}
	prefixes := []string{".i"}

	if !MatchesPattern(".text", exact, prefixes) {
		t.Error(".text should match exactly")
	}
	if !MatchesPattern(".idata", exact, prefixes) {
		t.Error(".idata should match the .i prefix")
	}
	if MatchesPattern(".rsrc", exact, prefixes) {
		t.Error(".rsrc should not match")
	}
	if MatchesPattern(".text", nil, []string{""}) {
		t.Error("empty prefix must not match everything")
	}
}

func TestFormatBuildSummary(t *testing.T) {
	results := []*OperationResult{
		NewApplied("layout", "image size 0x3000", 2),
		NewSkipped("exports", "no exports requested"),
	}
	summary := FormatBuildSummary("Build summary:", results)

	if !strings.Contains(summary, "Build summary:") {
		t.Error("missing title")
	}
	if !strings.Contains(summary, "LAYOUT") || !strings.Contains(summary, "EXPORTS") {
		t.Error("missing stage lines")
	}
	if !strings.Contains(summary, "no exports requested") {
		t.Error("missing skip reason")
	}
}
