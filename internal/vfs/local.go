package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalBackend stores the namespace under a directory on disk; /shared/x
// maps to <root>/shared/x.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) Root() string { return b.root }

func (b *LocalBackend) osPath(p Path) string {
	rel := strings.TrimPrefix(p.String(), "/")
	if rel == "" {
		return b.root
	}
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

func (b *LocalBackend) Read(_ context.Context, p Path) ([]byte, error) {
	data, err := os.ReadFile(b.osPath(p))
	return data, wrapFSErr(p, err)
}

func (b *LocalBackend) Write(_ context.Context, p Path, data []byte) error {
	return wrapFSErr(p, WriteFileAtomic(b.osPath(p), data))
}

func (b *LocalBackend) Append(_ context.Context, p Path, data []byte) error {
	target := b.osPath(p)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapFSErr(p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *LocalBackend) Delete(_ context.Context, p Path) error {
	target := b.osPath(p)
	info, err := os.Stat(target)
	if err != nil {
		return wrapFSErr(p, err)
	}
	if info.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

func (b *LocalBackend) List(_ context.Context, p Path) ([]Entry, error) {
	entries, err := os.ReadDir(b.osPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		// Leftover temp files from interrupted writes are not part of the namespace.
		if strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		kind := KindFile
		if e.IsDir() {
			kind = KindDirectory
		}
		out = append(out, Entry{Name: e.Name(), Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *LocalBackend) Exists(_ context.Context, p Path) (bool, error) {
	_, err := os.Stat(b.osPath(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (b *LocalBackend) Mkdir(_ context.Context, p Path) error {
	return os.MkdirAll(b.osPath(p), 0o755)
}

func (b *LocalBackend) Copy(_ context.Context, src, dst Path) error {
	in, err := os.Open(b.osPath(src))
	if err != nil {
		return wrapFSErr(src, err)
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return WriteFileAtomic(b.osPath(dst), data)
}

func (b *LocalBackend) Rename(_ context.Context, src, dst Path) error {
	target := b.osPath(dst)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return wrapFSErr(src, os.Rename(b.osPath(src), target))
}

func (b *LocalBackend) Metadata(_ context.Context, p Path) (Metadata, error) {
	info, err := os.Stat(b.osPath(p))
	if err != nil {
		return Metadata{}, wrapFSErr(p, err)
	}
	kind := KindFile
	if info.IsDir() {
		kind = KindDirectory
	}
	return Metadata{
		Size:     info.Size(),
		Created:  info.ModTime(),
		Modified: info.ModTime(),
		Kind:     kind,
	}, nil
}

// WriteFileAtomic writes to a sibling temp file and renames it into place.
func WriteFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return err
	}
	return nil
}

func wrapFSErr(p Path, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return err
}
