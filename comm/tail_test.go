package comm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailPagesBackwards(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&b, "line %04d\n", i)
	}
	name := filepath.Join(t.TempDir(), "kernel.log")
	require.NoError(t, os.WriteFile(name, []byte(b.String()), 0o644))
	require.Greater(t, int64(b.Len()), 2*tailPage)

	assert.Equal(t, "line 1997\nline 1998\nline 1999", Tail(name, 3))
	got := strings.Split(Tail(name, 1500), "\n")
	require.Len(t, got, 1500)
	assert.Equal(t, "line 0500", got[0])
	assert.Equal(t, "line 1999", got[1499])
	assert.Len(t, strings.Split(Tail(name, 5000), "\n"), 2000)
}

func TestTailEdgeCases(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, Tail(filepath.Join(dir, "missing"), 10))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.Empty(t, Tail(empty, 10))

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("a\nb"), 0o644))
	assert.Equal(t, "a\nb", Tail(short, 10))
	assert.Empty(t, Tail(short, 0))
}
