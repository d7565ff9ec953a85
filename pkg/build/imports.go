package build

import "regexp"

var (
	// relative .vue specifiers in static imports, re-exports and dynamic imports
	vueSpecifierRegex = regexp.MustCompile(`((?:\bfrom|\bimport)\s*\(?\s*)(['"])(\.{1,2}/[^'"\n]*?)\.vue(['"])`)

	// type-only imports, possibly spanning lines
	typeImportRegex = regexp.MustCompile(`(?ms)^[ \t]*import\s+type\b[^;'"]*?from\s*['"][^'"\n]*['"][ \t]*;?[ \t]*\r?\n?`)
)

// rewriteImports points relative .vue imports at their compiled .vue.js
// modules and drops type-only imports
func rewriteImports(src string) string {
	out := typeImportRegex.ReplaceAllString(src, "")
	return vueSpecifierRegex.ReplaceAllString(out, "$1$2$3.vue.js$4")
}
