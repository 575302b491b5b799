package packager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertpipe/alertpipe/integration/mock"
)

func writeSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestBuildIsReproducible(t *testing.T) {
	files := map[string]string{
		"main.py":             "def handler(event, context):\n    return event\n",
		"rules/matchers.py":   "MATCHERS = {}\n",
		"rules/__init__.py":   "",
		"helpers/common.py":   "def in_set(data, whitelist):\n    return data in whitelist\n",
		"helpers/__init__.py": "",
	}
	dir := writeSourceTree(t, files)

	first, err := Build(dir)
	require.NoError(t, err)
	second, err := Build(dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, Hash(first), Hash(second))
	assert.Equal(t, Key("rule_processor", first), Key("rule_processor", second))
}

func TestBuildRejectsBadInput(t *testing.T) {
	_, err := Build(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)

	empty := t.TempDir()
	_, err = Build(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	file := filepath.Join(t.TempDir(), "file.py")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = Build(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestKeyFormat(t *testing.T) {
	key := Key("rule_processor", []byte("package bytes"))
	assert.True(t, strings.HasPrefix(key, "rule_processor/"))
	assert.True(t, strings.HasSuffix(key, ".zip"))

	// Different content must land on a different key.
	other := Key("rule_processor", []byte("other bytes"))
	assert.NotEqual(t, key, other)
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	s3 := mock.NewS3Client()
	uploader := NewUploader(s3, "acme.streamalert.source")

	data := []byte("zip bytes")
	pkg, err := uploader.Upload(ctx, "alert_processor", data)
	require.NoError(t, err)

	assert.Equal(t, Key("alert_processor", data), pkg.Key)
	assert.Equal(t, Hash(data), pkg.Hash)
	assert.Equal(t, int64(len(data)), pkg.SizeBytes)

	stored, ok := s3.Object("acme.streamalert.source", pkg.Key)
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestUploadSkipsExistingPackage(t *testing.T) {
	ctx := context.Background()
	s3 := mock.NewS3Client()
	uploader := NewUploader(s3, "acme.streamalert.source")

	data := []byte("zip bytes")
	first, err := uploader.Upload(ctx, "rule_processor", data)
	require.NoError(t, err)
	second, err := uploader.Upload(ctx, "rule_processor", data)
	require.NoError(t, err)

	// Identical bytes share a key, so the second upload is a no-op.
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 1, s3.PutCount("acme.streamalert.source", first.Key))
}

func TestUploadRejectsBadProcessorName(t *testing.T) {
	ctx := context.Background()
	uploader := NewUploader(mock.NewS3Client(), "bucket")

	for _, name := range []string{"", "a/b", "a b"} {
		_, err := uploader.Upload(ctx, name, []byte("x"))
		assert.Error(t, err, "name %q", name)
	}
}

func TestCreateAndUpload(t *testing.T) {
	ctx := context.Background()
	s3 := mock.NewS3Client()
	uploader := NewUploader(s3, "acme.streamalert.source")

	dir := writeSourceTree(t, map[string]string{"main.py": "def handler(e, c): pass\n"})
	pkg, err := uploader.CreateAndUpload(ctx, "rule_processor", dir)
	require.NoError(t, err)

	_, ok := s3.Object("acme.streamalert.source", pkg.Key)
	assert.True(t, ok)
}
