package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() State {
	s := New()
	s.Put("streamalert_rule_processor_corp", Record{
		Kind:      "aws_lambda_function",
		ARN:       "arn:aws:lambda:us-east-1:123456789012:function:acme_corp_streamalert_rule_processor",
		Hash:      "abc123",
		Meta:      map[string]string{"function_name": "acme_corp_streamalert_rule_processor"},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	})
	s.Put("streamalert_corp", Record{
		Kind: "aws_sns_topic",
		ARN:  "arn:aws:sns:us-east-1:123456789012:acme_corp_streamalerts",
		Hash: "def456",
	})
	return s
}

func TestStatePutGetRemove(t *testing.T) {
	var s State // zero value must be usable
	s.Put("a", Record{Kind: "aws_s3_bucket"})

	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "aws_s3_bucket", rec.Kind)

	s.Remove("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "state.json"))
	require.NoError(t, err)

	// Missing file reads as empty state.
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Resources)
	assert.Zero(t, loaded.Serial)

	saved := sampleState()
	require.NoError(t, store.Save(ctx, saved))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Serial)
	require.Len(t, loaded.Resources, 2)

	rec, ok := loaded.Get("streamalert_rule_processor_corp")
	require.True(t, ok)
	assert.Equal(t, "abc123", rec.Hash)
	assert.Equal(t, "acme_corp_streamalert_rule_processor", rec.Meta["function_name"])

	// Each save bumps the serial.
	require.NoError(t, store.Save(ctx, loaded))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Serial)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Resources)

	require.NoError(t, store.Save(ctx, sampleState()))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Serial)
	assert.Len(t, loaded.Resources, 2)
}

func TestMemoryStoreLoadIsACopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, sampleState()))

	first, err := store.Load(ctx)
	require.NoError(t, err)
	first.Remove("streamalert_corp")

	second, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, second.Resources, 2)
}
