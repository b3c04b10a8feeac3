package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/viant/afs"

	"github.com/rendis/voike/pkg/schema"
)

// blobStore serves VOIKE_BLOB reads from root/<project>/<id>. Ids are plain
// relative paths; schemes and escapes from the project directory are
// rejected.
type blobStore struct {
	fs   afs.Service
	root string
}

func (b *blobStore) Read(ctx context.Context, projectID, id string) (string, error) {
	if b.root == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "blob storage is not configured")
	}
	if strings.Contains(id, "://") || !filepath.IsLocal(id) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid blob id %q", id)
	}
	if projectID == "" || !filepath.IsLocal(projectID) || strings.ContainsAny(projectID, `/\`) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid blob project %q", projectID)
	}

	location := normalizeLocation(filepath.Join(b.root, projectID, id))
	data, err := b.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "blob %s not found", id).WithCause(fmt.Errorf("read %s: %w", location, err))
	}
	return string(data), nil
}
