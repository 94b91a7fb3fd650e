package common

import "strings"

// Align rounds size up to the next multiple of alignment, which must be a
// power of two
func Align(size, alignment uint32) uint32 {
	return (size + alignment - 1) &^ (alignment - 1)
}

// TrimSectionName strips the null padding of a fixed 8-byte section name
// field
func TrimSectionName(name string) string {
	return strings.TrimRight(name, "\x00")
}

// MatchesPattern checks if a string matches any of the given exact names or
// prefixes
func MatchesPattern(target string, exactNames, prefixNames []string) bool {
	for _, name := range exactNames {
		if name != "" && target == name {
			return true
		}
	}
	for _, prefix := range prefixNames {
		if prefix != "" && strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}
