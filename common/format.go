package common

import (
	"fmt"
	"strings"
)

// FormatBuildSummary formats the per-stage results of one build with
// consistent styling
func FormatBuildSummary(title string, results []*OperationResult) string {
	if len(results) == 0 {
		return "No operations performed"
	}

	var out strings.Builder
	out.WriteString(title)
	out.WriteString("\n")

	for _, r := range results {
		var emoji string
		switch {
		case strings.Contains(strings.ToLower(r.Stage), "section") ||
			strings.Contains(strings.ToLower(r.Stage), "layout"):
			emoji = "📦"
		case strings.Contains(strings.ToLower(r.Stage), "import") ||
			strings.Contains(strings.ToLower(r.Stage), "export"):
			emoji = "🔗"
		case strings.Contains(strings.ToLower(r.Stage), "reloc"):
			emoji = "🔧"
		default:
			emoji = "🛠️"
		}

		prefix := "   ✓ "
		if !r.Applied {
			prefix = "   - "
		}
		out.WriteString(fmt.Sprintf("%s %s:\n", emoji, strings.ToUpper(r.Stage)))
		if r.Count > 0 {
			out.WriteString(fmt.Sprintf("%s%s (%d items)\n", prefix, r.Message, r.Count))
		} else {
			out.WriteString(prefix + r.Message + "\n")
		}
	}

	return strings.TrimSuffix(out.String(), "\n")
}
