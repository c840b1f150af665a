package vfs

import "context"

// VFS applies zone permissions in front of a Backend. Every operation takes
// the caller's context name.
type VFS struct {
	backend Backend
}

func New(backend Backend) *VFS {
	return &VFS{backend: backend}
}

func (v *VFS) Backend() Backend { return v.backend }

func (v *VFS) Read(ctx context.Context, caller string, p Path) ([]byte, error) {
	if err := CheckRead(caller, p); err != nil {
		return nil, err
	}
	return v.backend.Read(ctx, p)
}

func (v *VFS) List(ctx context.Context, caller string, p Path) ([]Entry, error) {
	if err := CheckRead(caller, p); err != nil {
		return nil, err
	}
	return v.backend.List(ctx, p)
}

func (v *VFS) Exists(ctx context.Context, caller string, p Path) (bool, error) {
	if err := CheckRead(caller, p); err != nil {
		return false, err
	}
	return v.backend.Exists(ctx, p)
}

func (v *VFS) Metadata(ctx context.Context, caller string, p Path) (Metadata, error) {
	if err := CheckRead(caller, p); err != nil {
		return Metadata{}, err
	}
	return v.backend.Metadata(ctx, p)
}

func (v *VFS) Write(ctx context.Context, caller string, p Path, data []byte) error {
	if err := CheckWrite(caller, p); err != nil {
		return err
	}
	return v.backend.Write(ctx, p, data)
}

func (v *VFS) Append(ctx context.Context, caller string, p Path, data []byte) error {
	if err := CheckWrite(caller, p); err != nil {
		return err
	}
	return v.backend.Append(ctx, p, data)
}

func (v *VFS) Delete(ctx context.Context, caller string, p Path) error {
	if err := CheckWrite(caller, p); err != nil {
		return err
	}
	return v.backend.Delete(ctx, p)
}

func (v *VFS) Mkdir(ctx context.Context, caller string, p Path) error {
	if err := CheckWrite(caller, p); err != nil {
		return err
	}
	return v.backend.Mkdir(ctx, p)
}

// Copy needs read on src and write on dst.
func (v *VFS) Copy(ctx context.Context, caller string, src, dst Path) error {
	if err := CheckRead(caller, src); err != nil {
		return err
	}
	if err := CheckWrite(caller, dst); err != nil {
		return err
	}
	return v.backend.Copy(ctx, src, dst)
}

// Rename needs write on both ends.
func (v *VFS) Rename(ctx context.Context, caller string, src, dst Path) error {
	if err := CheckWrite(caller, src); err != nil {
		return err
	}
	if err := CheckWrite(caller, dst); err != nil {
		return err
	}
	return v.backend.Rename(ctx, src, dst)
}
