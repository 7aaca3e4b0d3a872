package confgen

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosgo/xkernel/param"
)

func TestWriteFileSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	doc, err := GenerateConfig(param.DefaultRuntimeConfig(), []Node{trojanNode("n", "n.example.com")})
	require.NoError(t, err)

	changed, err := WriteFile(path, doc)
	require.NoError(t, err)
	assert.True(t, changed)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	changed, err = WriteFile(path, doc)
	require.NoError(t, err)
	assert.False(t, changed)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "unchanged document must not be rewritten")

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, loaded); diff != "" {
		t.Fatalf("reload differs:\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must be cleaned up")
}

func TestLoadFileTolerantAndStrictRoot(t *testing.T) {
	dir := t.TempDir()
	commented := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(commented, []byte(`{
		// kernel log
		"log": {"level": "warn",},
	}`), 0o644))
	doc, err := LoadFile(commented)
	require.NoError(t, err)
	assert.Equal(t, "warn", doc["log"].(map[string]any)["level"])

	list := filepath.Join(dir, "l.json")
	require.NoError(t, os.WriteFile(list, []byte(`[1,2]`), 0o644))
	_, err = LoadFile(list)
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
