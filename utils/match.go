package utils

// MatchEntity checks if an entity type name matches a rule-set key pattern.
// Patterns may include the wildcard '*', which matches any sequence of
// characters (including none). A plain name only matches itself.
func MatchEntity(name, pattern string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	return matchPattern(name, pattern)
}

// matchPattern matches a plain value against a pattern containing '*'
// wildcards.
func matchPattern(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	starP, starV := -1, 0
	for vIndex < len(value) {
		switch {
		case pIndex < len(pattern) && pattern[pIndex] == '*':
			starP = pIndex
			starV = vIndex
			pIndex++
		case pIndex < len(pattern) && pattern[pIndex] == value[vIndex]:
			pIndex++
			vIndex++
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
