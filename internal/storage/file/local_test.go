package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key, err := s.Save(ctx, "uploads/alice", "f1_paper.pdf", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "uploads/alice/f1_paper.pdf", key)

	r, err := s.Load(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "%PDF-1.7", string(data))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "deleting twice is fine")

	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLocalFindByPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save(ctx, "uploads/alice", "f1_paper.pdf", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = s.Save(ctx, "uploads/alice", "f2_other.pdf", strings.NewReader("b"))
	require.NoError(t, err)

	key, err := s.Find(ctx, "uploads/alice/f1_")
	require.NoError(t, err)
	assert.Equal(t, "uploads/alice/f1_paper.pdf", key)

	_, err = s.Find(ctx, "uploads/alice/f3_")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = s.Find(ctx, "uploads/bob/f1_")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocal(filepath.Join(root, "store"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0o600))

	_, err = s.Load(ctx, "../secret.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = s.Save(ctx, "uploads", "../evil.pdf", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = s.Save(ctx, "../outside", "evil.pdf", strings.NewReader("x"))
	assert.Error(t, err)

	assert.Error(t, s.Delete(ctx, "../secret.txt"))
	_, err = os.Stat(filepath.Join(root, "secret.txt"))
	assert.NoError(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", contentType("paper.PDF"))
	assert.Equal(t, "application/octet-stream", contentType("notes.txt"))
}
