// Package vpath implements purely string-based path utilities. It never
// touches disk; it just parses, validates, splits, and normalizes
// absolute/relative pathnames. The ".."-at-root semantics differ from
// path.Clean (an absolute path drops a leading ".." silently), so the
// component handling is done here rather than delegated.
package vpath

import (
	"strings"

	"github.com/sarettamcqueen/blockfs/errs"
)

// MaxPath is the maximum length of a path, including the terminating NUL.
const MaxPath = 1024

// MaxFilename is the maximum length of a single path component: 250 so the
// on-disk dentry stays exactly 256 bytes.
const MaxFilename = 250

// Parsed is the result of splitting a path into its components.
type Parsed struct {
	IsAbsolute bool
	Components []string
}

// Parse splits p on '/', dropping empty components so that runs of
// separators collapse.
func Parse(p string) Parsed {
	isAbsolute := strings.HasPrefix(p, "/")
	rawParts := strings.Split(p, "/")

	components := make([]string, 0, len(rawParts))
	for _, part := range rawParts {
		if part != "" {
			components = append(components, part)
		}
	}
	return Parsed{IsAbsolute: isAbsolute, Components: components}
}

// IsAbsolute reports whether p begins with '/'.
func IsAbsolute(p string) bool {
	return strings.HasPrefix(p, "/")
}

// IsRoot reports whether p denotes the root directory: "/", "//", and so on.
func IsRoot(p string) bool {
	if !IsAbsolute(p) {
		return false
	}
	for _, r := range p {
		if r != '/' {
			return false
		}
	}
	return true
}

func hasControlChar(s string, allowSlash bool) bool {
	for _, r := range s {
		if r == 0 {
			return true
		}
		if r == '/' && allowSlash {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// IsValid reports whether p is a legal path: non-empty, at most
// MaxPath-1 bytes, no NUL, and no control characters other than '/'.
func IsValid(p string) bool {
	if len(p) == 0 || len(p) > MaxPath-1 {
		return false
	}
	return !hasControlChar(p, true)
}

// FilenameIsValid reports whether n is a legal single path component:
// non-empty, shorter than MaxFilename, containing no '/', not "." or "..",
// and free of control characters.
func FilenameIsValid(n string) bool {
	if len(n) == 0 || len(n) >= MaxFilename {
		return false
	}
	if n == "." || n == ".." {
		return false
	}
	if strings.ContainsRune(n, '/') {
		return false
	}
	return !hasControlChar(n, false)
}

// Normalize collapses "." components and resolves ".." by popping the prior
// component, unless the prior component is itself ".." (kept for relative
// paths) or the path is absolute and already at the root, in which case the
// ".." is silently dropped. The result is always a freshly built string;
// callers must use the return value, never rely on in-place mutation.
func Normalize(p string) string {
	parsed := Parse(p)

	var out []string
	for _, comp := range parsed.Components {
		switch comp {
		case ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
				continue
			}
			if parsed.IsAbsolute {
				// Already at root; nowhere to go, drop it silently.
				continue
			}
			out = append(out, comp)
		default:
			out = append(out, comp)
		}
	}

	joined := strings.Join(out, "/")
	if parsed.IsAbsolute {
		return "/" + joined
	}
	if joined == "" {
		return "."
	}
	return joined
}

// Split strips trailing slashes from p and divides it into (parent,
// basename). If no separator remains, parent is "."; if the parent would be
// empty after stripping, parent is "/".
func Split(p string) (parent, basename string) {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		// p was "/" or "///..." etc.
		return "/", "/"
	}

	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return ".", trimmed
	}

	basename = trimmed[idx+1:]
	parent = trimmed[:idx]
	if parent == "" {
		parent = "/"
	}
	return parent, basename
}

// Basename returns the final component of the normalized path.
func Basename(p string) string {
	_, base := Split(Normalize(p))
	return base
}

// Dirname returns everything but the final component of the normalized
// path.
func Dirname(p string) string {
	parent, _ := Split(Normalize(p))
	return parent
}

// Depth returns the number of components in the normalized path.
func Depth(p string) int {
	return len(Parse(Normalize(p)).Components)
}

// StartsWith normalizes both p and prefix, then checks whether p begins with
// prefix at a component boundary.
func StartsWith(p, prefix string) bool {
	np := Normalize(p)
	nprefix := Normalize(prefix)

	if nprefix == "/" {
		return IsAbsolute(np)
	}
	if np == nprefix {
		return true
	}
	return strings.HasPrefix(np, nprefix+"/")
}

// ValidateForResolution is a convenience wrapper used by the file system
// core: it returns an *errs.FSError with code Invalid if p fails IsValid.
func ValidateForResolution(p string) error {
	if !IsValid(p) {
		return errs.Newf(errs.Invalid, "malformed path %q", p)
	}
	return nil
}
