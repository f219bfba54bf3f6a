package share

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	content := []byte("the content hash is the low word of a sha-256 digest")
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	digest := sha256.Sum256(content)
	want := binary.BigEndian.Uint32(digest[len(digest)-4:])

	hash, size, modified, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, hash)
	assert.EqualValues(t, len(content), size)
	assert.False(t, modified.IsZero())
}

func TestHashFile_Missing(t *testing.T) {
	_, _, _, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
