// Package kpath implements path canonicalization and CWD-relative
// resolution (§4.11).
//
// Grounded on ustr/ustr.go's Isdot/Isdotdot/Extend/IsAbsolute segment
// helpers and fd/fd.go's Cwd_t.Fullpath/Canonicalpath, adapted from
// biscuit's ustr.Ustr byte-slice path type to plain Go strings since this
// core has no analogue of biscuit's zero-allocation path package.
package kpath

import (
	"strconv"
	"strings"

	"goos32/defs"
)

// FilenameMax caps a single path segment's length (§4.11).
const FilenameMax = 255

// IsAbsolute reports whether p starts with "<decimal>:".
func IsAbsolute(p string) bool {
	i := strings.IndexByte(p, ':')
	if i <= 0 {
		return false
	}
	_, err := strconv.Atoi(p[:i])
	return err == nil
}

// splitMount splits an absolute path into its mount point and the
// remainder after the colon (which may be empty or start with '/').
func splitMount(p string) (mp int, rest string, ok bool) {
	i := strings.IndexByte(p, ':')
	if i <= 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(p[:i])
	if err != nil || n < 0 || n > 15 {
		return 0, "", false
	}
	return n, p[i+1:], true
}

// Canonicalize resolves "." and ".." in an absolute path and returns the
// canonical form "mp:/a/b/..." or "mp:" at the root (§4.11, §8).
func Canonicalize(p string) (string, defs.Err_t) {
	mp, rest, ok := splitMount(p)
	if !ok {
		return "", defs.E_INVREQ
	}
	segs := strings.Split(rest, "/")
	var stack []string
	for _, s := range segs {
		switch s {
		case "", ".":
			// Skip empty (redundant separator) and dot segments.
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			// Popping past the root is idempotent.
		default:
			if len(s) > FilenameMax {
				return "", defs.E_INVREQ
			}
			stack = append(stack, s)
		}
	}
	out := strconv.Itoa(mp) + ":"
	if len(stack) > 0 {
		out += "/" + strings.Join(stack, "/")
	}
	return out, 0
}

// ResolveRelative resolves rel against cwd (already canonical) and
// returns the canonical result. An absolute rel is canonicalized on its
// own; a relative one is concatenated onto cwd first (§4.11).
func ResolveRelative(cwd, rel string) (string, defs.Err_t) {
	if IsAbsolute(rel) {
		return Canonicalize(rel)
	}
	_, cwdRest, ok := splitMount(cwd)
	if !ok {
		return "", defs.E_INVREQ
	}
	mp, _, _ := splitMount(cwd)
	combined := strconv.Itoa(mp) + ":" + strings.TrimSuffix(cwdRest, "/") + "/" + rel
	return Canonicalize(combined)
}
