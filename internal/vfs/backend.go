package vfs

import (
	"context"
	"time"
)

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Entry is one item returned by List.
type Entry struct {
	Name string
	Kind Kind
}

// Metadata describes a stored path.
type Metadata struct {
	Size     int64
	Created  time.Time
	Modified time.Time
	Kind     Kind
}

// Backend is raw storage. Paths arrive validated and backends apply no
// permission logic; the VFS wrapper does that.
type Backend interface {
	Read(ctx context.Context, p Path) ([]byte, error)
	// Write creates or replaces p, creating parent directories.
	Write(ctx context.Context, p Path, data []byte) error
	Append(ctx context.Context, p Path, data []byte) error
	// Delete removes p, recursively for directories. Missing paths yield ErrNotFound.
	Delete(ctx context.Context, p Path) error
	// List returns the children of p; a missing directory lists as empty.
	List(ctx context.Context, p Path) ([]Entry, error)
	Exists(ctx context.Context, p Path) (bool, error)
	Mkdir(ctx context.Context, p Path) error
	Copy(ctx context.Context, src, dst Path) error
	Rename(ctx context.Context, src, dst Path) error
	Metadata(ctx context.Context, p Path) (Metadata, error)
}
