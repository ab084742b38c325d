package pathutil

import (
	"os"
	"strings"
)

// ExpandTilde replaces a leading ~/ with the user's home directory.
// Paths like ~user/... are left unchanged (only current user's ~ is expanded).
// If $HOME is not set, the path is returned as-is.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return path
	}
	return home + path[1:]
}

// Expand substitutes $VAR and ${VAR} references and then a leading ~.
// Unset variables expand to the empty string.
func Expand(path string) string {
	if path == "" {
		return ""
	}
	return ExpandTilde(os.ExpandEnv(path))
}
