package digest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText(t *testing.T) {
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Text("hello"))
	assert.Equal(t, Text("hello"), Text("hello"))
	assert.NotEqual(t, Text("hello"), Text("world"))
}

func TestFileMatchesText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	sum, err := File(path)
	require.NoError(t, err)
	assert.Len(t, sum, 64)
	assert.Equal(t, Text("hello world"), sum)

	_, err = File(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
