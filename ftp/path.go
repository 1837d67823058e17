package ftp

import (
	"strings"
)

// Resolve maps a client supplied path onto a normalized virtual path.
//
// An input starting with "/" is taken from the sandbox root, anything else is
// appended to currentPath. Segments are walked from right to left: every ".."
// consumes itself and the nearest retained segment to its left, empty and "."
// segments are dropped. A ".." with nothing left to consume is dropped, so the
// result can never climb above "/".
//
// The result always starts with a single "/" and has no trailing slash unless
// it is the root itself. Resolve never touches the filesystem.
func Resolve(currentPath, input string) string {
	// clients on windows send backslashes
	input = strings.ReplaceAll(input, `\`, "/")

	effective := input
	if !strings.HasPrefix(input, "/") {
		effective = currentPath + "/" + input
	}

	parts := strings.Split(effective, "/")
	kept := make([]string, 0, len(parts))
	skip := 0
	for i := len(parts) - 1; i >= 0; i-- {
		switch part := parts[i]; part {
		case "", ".":
		case "..":
			skip++
		default:
			if skip > 0 {
				skip--
				continue
			}
			kept = append(kept, part)
		}
	}

	// kept is in reverse order
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return "/" + strings.Join(kept, "/")
}

// parentPath returns the virtual directory containing virtualPath.
func parentPath(virtualPath string) string {
	return Resolve(virtualPath, "..")
}
