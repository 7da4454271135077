package utils

import "strings"

// MatchResource checks if a "type:id" resource matches pattern. Patterns may be:
//   - "*" matching every resource.
//   - "type:*" matching every id of one type ("profile:*").
//   - globs in either part, where '*' matches any run of characters ("field:address_*").
//
// A pattern without a type separator is matched against the whole resource string.
func MatchResource(resource, pattern string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	rType, rID, rok := strings.Cut(resource, ":")
	pType, pID, pok := strings.Cut(pattern, ":")
	if !rok || !pok {
		return matchGlob(resource, pattern)
	}
	return matchGlob(rType, pType) && matchGlob(rID, pID)
}

// ResourceType returns the type part of a pattern or resource, or "" if it has none.
func ResourceType(s string) string {
	t, _, ok := strings.Cut(s, ":")
	if !ok {
		return ""
	}
	return t
}

// matchGlob matches value against pattern where '*' matches any sequence (including none).
// On mismatch it backtracks to the most recent star.
func matchGlob(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	starP, starV := -1, 0
	for vIndex < len(value) {
		switch {
		case pIndex < len(pattern) && pattern[pIndex] == '*':
			starP, starV = pIndex, vIndex
			pIndex++
		case pIndex < len(pattern) && pattern[pIndex] == value[vIndex]:
			vIndex++
			pIndex++
		case starP >= 0:
			starV++
			vIndex = starV
			pIndex = starP + 1
		default:
			return false
		}
	}
	for pIndex < len(pattern) && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == len(pattern)
}
