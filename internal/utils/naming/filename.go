package naming

import (
	"path/filepath"
	"strings"
	"unicode"
)

// CacheRootDir is the directory under the cache root that holds overlay images.
const CacheRootDir = "Earth"

// SanitizeName lowercases s and strips every character that is not a letter,
// a digit or a '/' path separator. Leading, trailing and doubled separators
// are collapsed so the result is always a relative path.
func SanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '/':
			b.WriteRune(r)
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		}
	}
	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '/' })
	return strings.Join(parts, "/")
}

// CacheKey builds the stable cache identity of one frame:
// {layerTitle}/{frameName}{ext}, both parts sanitized. An empty frame name
// (a layer with no time dimension) uses the layer title for the file too.
func CacheKey(layerTitle, frameName, ext string) string {
	dir := SanitizeName(layerTitle)
	if dir == "" {
		dir = "layer"
	}
	file := SanitizeName(strings.ReplaceAll(frameName, "/", ""))
	if file == "" {
		file = filepath.Base(dir)
	}
	return dir + "/" + file + ext
}

// DiskPath maps a cache key to its file under root:
// {root}/Earth/{key}.
func DiskPath(root, key string) string {
	return filepath.Join(root, CacheRootDir, filepath.FromSlash(key))
}
