package tablestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// writableBlob checks that b can be written into the working area of its
// schema under a name that is still free.
func (s *Store) writableBlob(ctx context.Context, b *pipeline.Blob) error {
	if b.Schema == nil {
		return fmt.Errorf("%w: blob %q is not bound to a schema", pipeline.ErrSchema, b.Name)
	}
	if b.Schema.DidSwap() {
		return fmt.Errorf("%w: schema %q already swapped, cannot write blob %q", pipeline.ErrSchema, b.Schema.Name(), b.Name)
	}
	if err := pipeline.ValidateTableName(b.Name); err != nil {
		return err
	}
	if err := s.checkLock(b.Schema); err != nil {
		return err
	}

	exists, err := s.blobs.HasTable(ctx, b.Schema.WorkingName(), b.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: blob %q already exists in %q", pipeline.ErrSchema, b.Name, b.Schema.WorkingName())
	}
	return nil
}

// StoreBlob encodes b.Obj as JSON into the working area of its schema.
func (s *Store) StoreBlob(ctx context.Context, b *pipeline.Blob) error {
	if err := s.writableBlob(ctx, b); err != nil {
		return err
	}

	data, err := json.Marshal(b.Obj)
	if err != nil {
		return fmt.Errorf("encode %s: %w", b, err)
	}
	if err := s.blobs.WriteTable(ctx, b.Schema.WorkingName(), b.Name, data); err != nil {
		return fmt.Errorf("store %s: %w", b, err)
	}

	s.logger.Debug("blob stored",
		"component", "tablestore",
		"schema", b.Schema.Name(),
		"blob", b.Name,
		"bytes", len(data),
	)
	return nil
}

// CopyBlobToWorkingSchema copies b from the base area into the working
// area. A missing base blob fails with pipeline.ErrCacheMiss.
func (s *Store) CopyBlobToWorkingSchema(ctx context.Context, b *pipeline.Blob) error {
	if err := s.writableBlob(ctx, b); err != nil {
		return err
	}
	return s.blobs.CopyTable(ctx, b.Schema.Name(), b.Name, b.Schema.WorkingName(), b.Name)
}

// DeleteBlobFromWorkingSchema removes b from the working area. A missing
// blob is not an error.
func (s *Store) DeleteBlobFromWorkingSchema(ctx context.Context, b *pipeline.Blob) error {
	if b.Schema == nil {
		return fmt.Errorf("%w: blob %q is not bound to a schema", pipeline.ErrSchema, b.Name)
	}
	return s.blobs.DeleteTable(ctx, b.Schema.WorkingName(), b.Name)
}

// RetrieveBlob decodes b into the value pointed to by into. With
// fromCache it reads the base area; otherwise wherever the data of this
// run currently lives.
func (s *Store) RetrieveBlob(ctx context.Context, b *pipeline.Blob, into any, fromCache bool) error {
	if b.Schema == nil {
		return fmt.Errorf("%w: blob %q is not bound to a schema", pipeline.ErrSchema, b.Name)
	}

	var data []byte
	read := func(ns string) error {
		var err error
		data, err = s.blobs.ReadTable(ctx, ns, b.Name)
		return err
	}

	var err error
	if fromCache {
		err = read(b.Schema.Name())
	} else {
		err = b.Schema.WithCurrentName(read)
	}
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", b, err)
	}

	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode %s: %w", b, err)
	}
	return nil
}

// RetrieveBlobAs loads b as a T.
func RetrieveBlobAs[T any](ctx context.Context, s *Store, b *pipeline.Blob, fromCache bool) (T, error) {
	var v T
	err := s.RetrieveBlob(ctx, b, &v, fromCache)
	return v, err
}
