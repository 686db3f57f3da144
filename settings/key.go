package settings

import (
	"fmt"
	"strings"
)

// IsKey reports whether s is a valid key: it starts with "/", contains no
// empty segments, and does not end with "/".
func IsKey(s string) bool {
	return isKeyOrPath(s) && !strings.HasSuffix(s, "/")
}

// IsPath reports whether s is a valid path: a key prefix ending with "/".
// The root path is "/".
func IsPath(s string) bool {
	return isKeyOrPath(s) && strings.HasSuffix(s, "/")
}

// IsKeyOrPath reports whether s is a valid key or path.
func IsKeyOrPath(s string) bool {
	return isKeyOrPath(s)
}

func isKeyOrPath(s string) bool {
	return strings.HasPrefix(s, "/") && !strings.Contains(s, "//")
}

func violation(format string, args ...any) {
	panic(fmt.Sprintf("settings: "+format, args...))
}

// CheckKey panics if key is not a valid key. Backends call it at every entry
// point taking a key.
func CheckKey(key string) {
	if !IsKey(key) {
		violation("invalid key %q", key)
	}
}

// CheckPath panics if path is not a valid path.
func CheckPath(path string) {
	if !IsPath(path) {
		violation("invalid path %q", path)
	}
}

// CheckKeyOrPath panics if name is neither a valid key nor a valid path.
func CheckKeyOrPath(name string) {
	if !IsKeyOrPath(name) {
		violation("invalid key or path %q", name)
	}
}

// hasPrefix reports whether key is at or below path, which must be a path.
func hasPrefix(key, path string) bool {
	return strings.HasPrefix(key, path)
}
