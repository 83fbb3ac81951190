package filewatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestInbox_QueuesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.html"), "<p>Flooding in Tulsa.</p>")
	writeFile(t, filepath.Join(dir, "a.txt"), "Snow in Boise.")
	writeFile(t, filepath.Join(dir, "c.json"), `{"id":"custom","text":"Rain in Salem."}`)
	writeFile(t, filepath.Join(dir, "ignored.pdf"), "%PDF")
	writeFile(t, filepath.Join(dir, "empty.txt"), "")

	in, err := NewInbox(dir, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	batch, err := in.ExtractBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	docs := make([]domain.Document, len(batch))
	for i, raw := range batch {
		docs[i], err = domain.ParseRawDocument(raw)
		require.NoError(t, err)
	}
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, domain.ContentTypeText, docs[0].ContentType)
	assert.Equal(t, "b", docs[1].ID)
	assert.True(t, docs[1].IsHTML())
	assert.Equal(t, "custom", docs[2].ID)
}

func TestInbox_BatchSizeAndCommit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.txt"), "Snow in Boise.")
	writeFile(t, filepath.Join(dir, "two.txt"), "Rain in Salem.")

	in, err := NewInbox(dir, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	batch, err := in.ExtractBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, batch[0].Commit(ctx))

	assert.NoFileExists(t, filepath.Join(dir, "one.txt"))
	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "one.txt"))

	batch, err = in.ExtractBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte("two"), batch[0].Key)
}

func TestInbox_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	in, err := NewInbox(dir, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "late.txt"), []byte("Wind in Omaha."), 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	batch, err := in.ExtractBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte("late"), batch[0].Key)
}

func TestInbox_BlocksUntilCancelled(t *testing.T) {
	in, err := NewInbox(t.TempDir(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = in.ExtractBatch(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutbox_LoadBatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	out, err := NewOutbox(dir)
	require.NoError(t, err)

	docs := []domain.OutputDocument{
		{Key: []byte("doc-1"), Value: []byte(`{"id":"doc-1"}`)},
		{Key: []byte("../escape"), Value: []byte(`{"id":"escape"}`)},
	}
	require.NoError(t, out.LoadBatch(context.Background(), docs))

	data, err := os.ReadFile(filepath.Join(dir, "doc-1.json"))
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "doc-1", got["id"])

	assert.FileExists(t, filepath.Join(dir, "escape.json"))

	// Rewrites replace earlier output.
	require.NoError(t, out.LoadBatch(context.Background(), []domain.OutputDocument{
		{Key: []byte("doc-1"), Value: []byte(`{"id":"doc-1","v":"2"}`)},
	}))
	data, err = os.ReadFile(out.Path([]byte("doc-1")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"doc-1","v":"2"}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
