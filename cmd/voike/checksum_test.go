package main

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digest(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

func TestSha256Hex(t *testing.T) {
	got, err := sha256Hex(strings.NewReader("hello world\n"))
	require.NoError(t, err)
	assert.Equal(t, digest("hello world\n"), got)
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renderer.bin")
	require.NoError(t, os.WriteFile(path, []byte("voike test data"), 0o644))

	assert.NoError(t, verifyFile(path, digest("voike test data")))

	err := verifyFile(path, digest("something else"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	assert.Error(t, verifyFile("/nonexistent/file", digest("")))
}

func TestParseChecksums(t *testing.T) {
	full := strings.Repeat("ab", 32)
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{
			name:  "two-space format",
			input: full + "  mermaid-ascii_Linux_x86_64.tar.gz\n",
			want:  map[string]string{"mermaid-ascii_Linux_x86_64.tar.gz": full},
		},
		{
			name:  "single space and uppercase digest",
			input: strings.ToUpper(full) + " file.tar.gz\n",
			want:  map[string]string{"file.tar.gz": full},
		},
		{
			name:  "blank and malformed lines skipped",
			input: "\n   \nabc123\nabc123  short.tar.gz\n",
			want:  map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChecksums(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
