package testutil

import (
	"context"
	"io"

	"mlc-go/internal/mlc"
)

// FaultStore wraps a ContentStore and runs a hook before selected operations.
// A hook returning an error makes the operation fail without reaching the
// wrapped store. Hooks may block to hold an operation in place. Set hooks
// before the store is shared.
type FaultStore struct {
	mlc.ContentStore

	BeforeList   func(dir string) error
	BeforeOpen   func(handle string) error
	BeforeCreate func(path string) error
	BeforeRename func(oldPath, newPath string) error
	BeforeDelete func(path string) error
}

var _ mlc.ContentStore = (*FaultStore)(nil)

// NewFaultStore wraps store with no hooks set.
func NewFaultStore(store mlc.ContentStore) *FaultStore {
	return &FaultStore{ContentStore: store}
}

func (f *FaultStore) List(ctx context.Context, dir string) ([]mlc.Node, error) {
	if f.BeforeList != nil {
		if err := f.BeforeList(dir); err != nil {
			return nil, err
		}
	}
	return f.ContentStore.List(ctx, dir)
}

func (f *FaultStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	if f.BeforeOpen != nil {
		if err := f.BeforeOpen(handle); err != nil {
			return nil, err
		}
	}
	return f.ContentStore.Open(ctx, handle)
}

func (f *FaultStore) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	if f.BeforeCreate != nil {
		if err := f.BeforeCreate(path); err != nil {
			return nil, err
		}
	}
	return f.ContentStore.Create(ctx, path)
}

func (f *FaultStore) Rename(ctx context.Context, oldPath, newPath string) error {
	if f.BeforeRename != nil {
		if err := f.BeforeRename(oldPath, newPath); err != nil {
			return err
		}
	}
	return f.ContentStore.Rename(ctx, oldPath, newPath)
}

func (f *FaultStore) Delete(ctx context.Context, path string) error {
	if f.BeforeDelete != nil {
		if err := f.BeforeDelete(path); err != nil {
			return err
		}
	}
	return f.ContentStore.Delete(ctx, path)
}
