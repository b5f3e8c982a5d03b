package archive

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/codecoach/internal/store"
)

func seed(t *testing.T) (*store.MemoryRepo, *store.MemoryEventRepo) {
	t.Helper()
	ctx := context.Background()
	repo := store.NewMemoryRepo()
	events := store.NewMemoryEventRepo()

	due := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	for _, rec := range []*store.Record{
		{Bucket: store.BucketMistakes, Key: "m1", Owner: "u1", Value: []byte(`{"mistake_id":"m1"}`)},
		{Bucket: store.BucketReviews, Key: "u1/m1", Owner: "u1", Value: []byte(`{"key":"m1"}`), DueAt: due},
		{Bucket: store.BucketMistakes, Key: "m2", Owner: "u2", Value: []byte(`{"mistake_id":"m2"}`)},
	} {
		_, err := repo.Put(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, events.AppendMistakeEvent(ctx, store.MistakeEventData{UserID: "u1", MistakeID: "m1"}))
	require.NoError(t, events.AppendMistakeEvent(ctx, store.MistakeEventData{UserID: "u2", MistakeID: "m2"}))
	return repo, events
}

func TestExport_RoundTrip(t *testing.T) {
	repo, events := seed(t)
	ctx := context.Background()

	var buf bytes.Buffer
	sum, err := Export(ctx, repo, events, "u1", &buf)
	require.NoError(t, err)
	assert.Equal(t, Summary{Records: 2, Events: 1}, sum)

	lines, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "record", lines[0].Type)
	assert.Equal(t, store.BucketMistakes, lines[0].Bucket)
	assert.JSONEq(t, `{"mistake_id":"m1"}`, string(lines[0].Value))
	require.NotNil(t, lines[1].DueAt)
	assert.Equal(t, "event", lines[2].Type)
	assert.Equal(t, store.EventMistake, lines[2].Kind)

	fresh := store.NewMemoryRepo()
	n, err := Restore(ctx, fresh, "u1", lines)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	due, err := fresh.DueBefore(ctx, store.BucketReviews, "u1", lines[1].DueAt.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestExportFile(t *testing.T) {
	repo, _ := seed(t)
	dir := t.TempDir()

	path, sum, err := ExportFile(context.Background(), repo, nil, "u1", dir)
	require.NoError(t, err)
	assert.Equal(t, Path("u1", dir), path)
	assert.Equal(t, 2, sum.Records)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines, err := Read(f)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestRead_RejectsPlainText(t *testing.T) {
	_, err := Read(bytes.NewBufferString("not zstd"))
	assert.Error(t, err)
}
