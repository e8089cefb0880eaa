package tag

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the lookup form of a tag name: trimmed, NFC-normalized
// and case-folded. Two names that normalize equal refer to the same tag.
func NormalizeName(name string) string {
	return Fold(strings.TrimSpace(name))
}

// SameName reports whether two tag names refer to the same tag.
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// Fold returns the NFC-normalized, case-folded form of s.
func Fold(s string) string {
	// A Caser holds state and must not be shared between goroutines.
	return cases.Fold().String(norm.NFC.String(s))
}
