// Package vfs is the permission-partitioned namespace shared by contexts.
//
// Zones are determined by path alone: /shared is writable by everyone,
// /home/<ctx> by its owner, and everything else (including /sys) only by
// the SYSTEM caller. Reads are open everywhere.
package vfs

import (
	"errors"
	"fmt"
	"strings"
)

const URIPrefix = "vfs://"

var (
	ErrInvalidPath = errors.New("vfs: invalid path")
	ErrPermission  = errors.New("vfs: permission denied")
	ErrNotFound    = errors.New("vfs: not found")
)

// Path is a validated absolute VFS path. Construct with ParsePath.
type Path struct {
	s string
}

// Root is "/".
var Root = Path{s: "/"}

// ParsePath validates raw: it must start with '/', and may not contain '.'
// or '..' components, "//", NUL bytes or a trailing slash.
func ParsePath(raw string) (Path, error) {
	switch {
	case raw == "":
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	case !strings.HasPrefix(raw, "/"):
		return Path{}, fmt.Errorf("%w: must start with '/': %s", ErrInvalidPath, raw)
	case strings.ContainsRune(raw, 0):
		return Path{}, fmt.Errorf("%w: contains NUL", ErrInvalidPath)
	case raw != "/" && strings.HasSuffix(raw, "/"):
		return Path{}, fmt.Errorf("%w: trailing slash: %s", ErrInvalidPath, raw)
	case strings.Contains(raw, "//"):
		return Path{}, fmt.Errorf("%w: contains '//': %s", ErrInvalidPath, raw)
	}
	for _, c := range strings.Split(raw, "/") {
		if c == "." || c == ".." {
			return Path{}, fmt.Errorf("%w: contains '.' or '..': %s", ErrInvalidPath, raw)
		}
	}
	return Path{s: raw}, nil
}

// MustPath panics on invalid input; for constants and tests.
func MustPath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// IsURI reports whether s is a vfs:/// URI (three slashes).
func IsURI(s string) bool {
	return strings.HasPrefix(s, URIPrefix+"/")
}

// FromURI parses vfs:///some/path.
func FromURI(uri string) (Path, error) {
	if !IsURI(uri) {
		return Path{}, fmt.Errorf("%w: not a vfs:/// URI: %s", ErrInvalidPath, uri)
	}
	return ParsePath(uri[len(URIPrefix):])
}

func (p Path) String() string { return p.s }

// URI renders p as vfs:///....
func (p Path) URI() string { return URIPrefix + p.s }

// IsZero reports whether p is the zero value.
func (p Path) IsZero() bool { return p.s == "" }

// IsRoot reports whether p is "/".
func (p Path) IsRoot() bool { return p.s == "/" }

// Parent returns the parent path; the root's parent is the root.
func (p Path) Parent() Path {
	if p.s == "/" || p.s == "" {
		return Root
	}
	i := strings.LastIndexByte(p.s, '/')
	if i <= 0 {
		return Root
	}
	return Path{s: p.s[:i]}
}

// Base returns the final component, or "" for the root.
func (p Path) Base() string {
	if p.s == "/" {
		return ""
	}
	return p.s[strings.LastIndexByte(p.s, '/')+1:]
}

// Join appends a relative segment and revalidates.
func (p Path) Join(segment string) (Path, error) {
	if strings.HasPrefix(segment, "/") {
		return Path{}, fmt.Errorf("%w: join segment must be relative", ErrInvalidPath)
	}
	if p.s == "/" {
		return ParsePath("/" + segment)
	}
	return ParsePath(p.s + "/" + segment)
}

// HasPrefix reports whether p is dir or lies beneath it.
func (p Path) HasPrefix(dir Path) bool {
	if dir.s == "/" {
		return true
	}
	return p.s == dir.s || strings.HasPrefix(p.s, dir.s+"/")
}
