package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"

	"github.com/rendis/voike/pkg/schema"
)

func TestBlobStore_Read(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme", "reports"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "acme", "reports", "q1.txt"), []byte("revenue"), 0o644))
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	b := &blobStore{fs: afs.New(), root: root}
	ctx := context.Background()

	got, err := b.Read(ctx, "acme", "reports/q1.txt")
	require.NoError(t, err)
	assert.Equal(t, "revenue", got)

	_, err = b.Read(ctx, "other", "reports/q1.txt")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	for _, id := range []string{
		"../acme/reports/q1.txt",
		"reports/../../x",
		outside,
		"/etc/passwd",
		"file:///etc/passwd",
		"https://example.com/x",
		"",
	} {
		_, err := b.Read(ctx, "acme", id)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), id)
	}

	for _, project := range []string{"", "..", "acme/../other", "/tmp"} {
		_, err := b.Read(ctx, project, "reports/q1.txt")
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), project)
	}

	_, err = (&blobStore{fs: afs.New()}).Read(ctx, "acme", "reports/q1.txt")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
