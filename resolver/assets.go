package resolver

import (
	"path"
	"strings"
)

// assetPrefixes are first path elements that mark static sub-resource
// requests served relative to the desktop root rather than a desktop page.
var assetPrefixes = map[string]struct{}{
	"assets": {},
	"js":     {},
	"css":    {},
	"fonts":  {},
	"images": {},
	"static": {},
	"dist":   {},
	"build":  {},
}

// AssetLike reports whether p addresses a static asset rather than a
// desktop page. Proxy paths never contain dots (sanitize maps them to
// dashes), so an ordinary file extension on the final element is a reliable
// asset signal even for extension-only names like "package.json". Legacy
// dotted identifiers ("user.name-ubuntu-vscode") do not look like
// extensions and stay routable.
func AssetLike(p string) bool {
	p = strings.Trim(p, "/")
	if p == "" {
		return false
	}
	first := p
	if i := strings.IndexByte(p, '/'); i >= 0 {
		first = p[:i]
	}
	if _, ok := assetPrefixes[first]; ok {
		return true
	}
	last := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		last = p[i+1:]
	}
	return hasFileExt(last)
}

// hasFileExt reports whether name ends in a plausible file extension:
// a dot followed by 1–5 alphanumeric characters.
func hasFileExt(name string) bool {
	ext := path.Ext(name)
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
